package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/framerelay/internal/httpx"
	"github.com/matst80/framerelay/internal/intercept"
	"github.com/matst80/framerelay/internal/obs"
	"github.com/matst80/framerelay/internal/ratelimit"
	"github.com/matst80/framerelay/internal/relay"
	"github.com/matst80/framerelay/internal/tap"
	"github.com/matst80/framerelay/internal/tunnel"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&flagValues{})
}

func newRootCmdWith(fv *flagValues) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "framerelay",
		Short: "Relay length-framed TCP traffic through an external decision service",
		Long: `framerelay proxies TCP connections to a target, reassembles the
length-prefixed frames of flows matching the filter and asks a websocket
decision service for a verdict on every chunk before forwarding it.

Examples:
  framerelay --target 10.0.0.5:25000 --filter-ip 10.0.0.5
  framerelay --config framerelay.yaml --debug`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(fv.config, applyChanged(cmd, fv))
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	registerFlags(cmd, fv)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	if cfg.LogFormat == "console" {
		obs.SetOutput(os.Stdout, true)
	}
	obs.EnableDebug(cfg.Debug)
	if cfg.Instance == "" {
		cfg.Instance, _ = os.Hostname()
	}
	obs.Info("server.start", obs.Fields{
		"listen":  cfg.Listen,
		"target":  cfg.Target,
		"relay":   cfg.Relay.URL,
		"filter":  cfg.Filter.Filter.String(),
		"metrics": cfg.Metrics,
	})

	store, err := newFlowStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Instance, cfg.Redis.KeyTTL)
	if err != nil {
		return err
	}
	if rs, ok := store.(*redisFlowStore); ok {
		go rs.startMaintenance(ctx)
	}

	rc := relay.New(cfg.relayConfig(), nil)
	orch := intercept.New(rc, intercept.Options{
		Filter:     cfg.Filter.Filter,
		Observer:   store,
		MaxPayload: uint64(cfg.Filter.MaxFramePayload),
	})

	var opts tunnel.Options
	if lc := cfg.limiterConfig(); lc.Enabled() {
		opts.Limiter = ratelimit.New(lc)
		go runPruneLoop(ctx, opts.Limiter, time.Minute)
	}
	if cfg.PcapOut != "" {
		w, err := tap.Open(tap.Config{Path: cfg.PcapOut})
		if err != nil {
			_ = store.close()
			return err
		}
		opts.Tap = w
	}
	if cfg.LogHTTP {
		opts.HTTPLog = httpx.NewLogger(0)
	}

	proxy := tunnel.New(tunnel.Config{Listen: cfg.Listen, Target: cfg.Target}, orch, opts)
	if err := proxy.Listen(); err != nil {
		obs.Error("listen.proxy", obs.Fields{"err": err.Error(), "addr": cfg.Listen})
		_ = store.close()
		return err
	}

	a := &app{cfg: cfg, relay: rc, orch: orch, store: store}
	if cfg.Metrics != "" {
		go startMetricsServer(ctx, cfg.Metrics, a)
	}

	rc.Trigger()
	serveErr := make(chan error, 1)
	go func() { serveErr <- proxy.Serve(ctx) }()

	store.setReady(true)
	obs.Info("server.ready", obs.Fields{"addr": proxy.Addr().String()})

	var runErr error
	select {
	case <-ctx.Done():
		obs.Info("server.shutdown.signal", obs.Fields{})
	case runErr = <-serveErr:
		if runErr != nil {
			obs.Error("server.serve", obs.Fields{"err": runErr.Error()})
		}
	}
	store.setClosing(true)

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := proxy.Shutdown(sctx); err != nil {
		obs.Warn("server.shutdown.proxy", obs.Fields{"err": err.Error()})
	}
	if err := orch.Shutdown(sctx); err != nil {
		obs.Warn("server.shutdown.relay", obs.Fields{"err": err.Error()})
	}
	if opts.Tap != nil {
		if err := opts.Tap.Close(); err != nil {
			obs.Warn("server.shutdown.tap", obs.Fields{"err": err.Error()})
		}
	}
	if err := store.close(); err != nil && !errors.Is(err, context.Canceled) {
		obs.Warn("server.shutdown.state", obs.Fields{"err": err.Error()})
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
	return runErr
}

func runPruneLoop(ctx context.Context, l *ratelimit.Limiter, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.Prune(5 * interval); n > 0 {
				obs.Debug("ratelimit.prune", obs.Fields{"clients": n})
			}
		}
	}
}
