// Package tunnel is the host transport: a TCP proxy that hands every chunk it relays to
// a Handler and forwards whatever the Handler returns.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/framerelay/internal/httpx"
	"github.com/matst80/framerelay/internal/intercept"
	"github.com/matst80/framerelay/internal/obs"
	"github.com/matst80/framerelay/internal/ratelimit"
	"github.com/matst80/framerelay/internal/tap"
)

// Handler receives flow events. Events of one flow never overlap.
type Handler interface {
	OnFlowStart(ctx context.Context, f intercept.Flow)
	OnFlowData(ctx context.Context, flowID string, dir intercept.Direction, data []byte) []byte
	OnFlowEnd(ctx context.Context, flowID string)
}

type Config struct {
	Listen      string
	Target      string
	DialTimeout time.Duration
	ReadBuffer  int
}

// Options are the optional collaborators of a Proxy.
type Options struct {
	Limiter *ratelimit.Limiter
	Tap     *tap.Writer
	HTTPLog *httpx.Logger
}

type flow struct {
	info   intercept.Flow
	client net.Conn
	server net.Conn
	// mu keeps the handler calls of one flow strictly ordered.
	mu   sync.Mutex
	once sync.Once
}

func (f *flow) closeBoth() {
	f.once.Do(func() {
		_ = f.client.Close()
		_ = f.server.Close()
	})
}

type Proxy struct {
	cfg  Config
	h    Handler
	opts Options

	mu     sync.Mutex
	ln     net.Listener
	flows  map[string]*flow
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, h Handler, opts Options) *Proxy {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = 32 << 10
	}
	return &Proxy{cfg: cfg, h: h, opts: opts, flows: make(map[string]*flow)}
}

// Listen binds the listen address. Serve calls it when needed.
func (p *Proxy) Listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		return fmt.Errorf("tunnel: listen %s: %w", p.cfg.Listen, err)
	}
	p.ln = ln
	return nil
}

func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Serve accepts connections until ctx is done or Shutdown is called.
func (p *Proxy) Serve(ctx context.Context) error {
	if err := p.Listen(); err != nil {
		return err
	}
	p.mu.Lock()
	ln := p.ln
	p.mu.Unlock()
	obs.Info("tunnel.listen", obs.Fields{"addr": ln.Addr().String(), "target": p.cfg.Target})

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = c.Close()
			return nil
		}
		p.wg.Add(1)
		p.mu.Unlock()
		go func() {
			defer p.wg.Done()
			p.handle(ctx, c)
		}()
	}
}

func addrPortOf(a net.Addr) netip.AddrPort {
	if ta, ok := a.(*net.TCPAddr); ok {
		ap := ta.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}

func (p *Proxy) handle(ctx context.Context, c net.Conn) {
	clientAddr := addrPortOf(c.RemoteAddr())
	if l := p.opts.Limiter; l != nil {
		if !l.AllowFlow(clientAddr.Addr()) {
			obs.ErrorsTotal.WithLabelValues("flow_rejected").Inc()
			obs.Warn("tunnel.rejected", obs.Fields{"remote": clientAddr.String()})
			_ = c.Close()
			return
		}
		defer l.Done(clientAddr.Addr())
	}

	d := net.Dialer{Timeout: p.cfg.DialTimeout}
	upstream, err := d.DialContext(ctx, "tcp", p.cfg.Target)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("dial_target").Inc()
		obs.Error("tunnel.dial", obs.Fields{"target": p.cfg.Target, "err": err.Error()})
		_ = c.Close()
		return
	}

	f := &flow{
		info: intercept.Flow{
			ID:      uuid.NewString(),
			Client:  clientAddr,
			Server:  addrPortOf(upstream.RemoteAddr()),
			Created: time.Now(),
		},
		client: c,
		server: upstream,
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		f.closeBoth()
		return
	}
	p.flows[f.info.ID] = f
	p.mu.Unlock()

	f.mu.Lock()
	p.h.OnFlowStart(ctx, f.info)
	f.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go p.pump(ctx, f, intercept.ClientToServer, &wg)
	go p.pump(ctx, f, intercept.ServerToClient, &wg)
	wg.Wait()

	f.mu.Lock()
	p.h.OnFlowEnd(ctx, f.info.ID)
	f.mu.Unlock()
	if p.opts.Tap != nil {
		p.opts.Tap.Forget(f.info.ID, f.info.Client, f.info.Server)
	}
	if p.opts.HTTPLog != nil {
		p.opts.HTTPLog.Forget(f.info.ID)
	}
	p.mu.Lock()
	delete(p.flows, f.info.ID)
	p.mu.Unlock()
}

func (p *Proxy) pump(ctx context.Context, f *flow, dir intercept.Direction, wg *sync.WaitGroup) {
	defer wg.Done()
	defer f.closeBoth()

	src, dst := f.client, f.server
	from, to := f.info.Client, f.info.Server
	if dir == intercept.ServerToClient {
		src, dst = f.server, f.client
		from, to = f.info.Server, f.info.Client
	}
	buf := make([]byte, p.cfg.ReadBuffer)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if dir == intercept.ClientToServer && p.opts.HTTPLog != nil {
				p.opts.HTTPLog.Observe(f.info.ID, chunk)
			}
			f.mu.Lock()
			out := p.h.OnFlowData(ctx, f.info.ID, dir, chunk)
			f.mu.Unlock()
			if len(out) > 0 {
				if p.opts.Tap != nil {
					if err := p.opts.Tap.Record(f.info.ID, from, to, out); err != nil {
						obs.Debug("tunnel.tap", obs.Fields{"flow": f.info.ID, "dir": dir.String(), "err": err.Error()})
					}
				}
				if _, err := dst.Write(out); err != nil {
					obs.Debug("tunnel.write", obs.Fields{"flow": f.info.ID, "dir": dir.String(), "err": err.Error()})
					return
				}
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) && !errors.Is(rerr, net.ErrClosed) {
				obs.Debug("tunnel.read", obs.Fields{"flow": f.info.ID, "dir": dir.String(), "err": rerr.Error()})
			}
			return
		}
	}
}

// Flows is the number of open flows.
func (p *Proxy) Flows() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.flows)
}

// Shutdown stops accepting, closes every open flow and waits for their handlers.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	ln := p.ln
	open := make([]*flow, 0, len(p.flows))
	for _, f := range p.flows {
		open = append(open, f)
	}
	p.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	for _, f := range open {
		f.closeBoth()
	}
	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
		obs.Info("tunnel.stopped", obs.Fields{"closed_flows": len(open)})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
