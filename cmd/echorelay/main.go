package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/framerelay/internal/obs"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var (
		listen  string
		mode    string
		console bool
		debug   bool
	)
	cmd := &cobra.Command{
		Use:          "echorelay",
		Short:        "Stand-in decision service for framerelay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			if console {
				obs.SetOutput(os.Stdout, true)
			}
			obs.EnableDebug(debug)
			return serve(cmd.Context(), listen, newServer(m))
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":3210", "websocket listen address")
	cmd.Flags().StringVar(&mode, "mode", string(ModePassthrough), "reply mode: passthrough, echo, drop or error")
	cmd.Flags().BoolVar(&console, "console", false, "human readable logs")
	cmd.Flags().BoolVar(&debug, "debug", false, "log every flow message")
	return cmd
}

func serve(ctx context.Context, addr string, s *server) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	obs.Info("echorelay.start", obs.Fields{"listen": addr, "mode": string(s.mode)})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	obs.Info("echorelay.stop", obs.Fields{"flows": s.flows.Load(), "messages": s.messages.Load()})
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
