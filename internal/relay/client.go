// Package relay keeps the control connection to the decision service and correlates
// every relayed message with its verdict.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/framerelay/internal/obs"
	"github.com/matst80/framerelay/internal/proto"
)

// State of the control connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config for the relay client. Zero durations fall back to DefaultConfig values.
type Config struct {
	URL             string
	ReconnectDelay  time.Duration
	ResponseTimeout time.Duration
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	Header          http.Header
}

func DefaultConfig() Config {
	return Config{
		URL:             "ws://localhost:3210",
		ReconnectDelay:  5 * time.Second,
		ResponseTimeout: 3 * time.Second,
		DialTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
}

// Client owns at most one control connection. It is safe for concurrent use.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	pending *Table

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	// gate serialises connection attempts and loop replacement.
	gate sync.Mutex

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	loopDone  chan struct{}
	retrying  bool
	closed    bool
	connected time.Time

	writeMu sync.Mutex
}

// New creates a disconnected client. Nothing is dialed until EnsureConnected or Trigger.
func New(cfg Config, pending *Table) *Client {
	cfg.setDefaults()
	if pending == nil {
		pending = NewTable()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.DialTimeout},
		pending: pending,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Client) Config() Config { return c.cfg }

// Pending exposes the correlation table.
func (c *Client) Pending() *Table { return c.pending }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool { return c.State() == Connected }

// EnsureConnected dials the relay unless a connection is already up. Concurrent callers
// queue on the gate and see the outcome of the first attempt. When the attempt fails a
// single reconnect is scheduled after the reconnect delay; until it runs further calls
// return ErrNotConnected without dialing.
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.gate.Lock()
	defer c.gate.Unlock()

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == Connected && c.conn != nil:
		c.mu.Unlock()
		return nil
	case c.retrying:
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.state = Connecting
	c.mu.Unlock()

	obs.Info("relay.connect", obs.Fields{"url": c.cfg.URL})
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, _, err := c.dialer.DialContext(dctx, c.cfg.URL, c.cfg.Header)
	cancel()
	if err != nil {
		obs.RelayConnectsTotal.WithLabelValues("failed").Inc()
		obs.Error("relay.connect.failed", obs.Fields{"url": c.cfg.URL, "err": err.Error(), "retry_in": c.cfg.ReconnectDelay.String()})
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		if n := c.pending.DisconnectAll(err); n > 0 {
			obs.Info("relay.pending.failed", obs.Fields{"count": n})
		}
		c.scheduleReconnect()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	c.stopLoop()

	done := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.state = Disconnected
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.loopDone = done
	c.state = Connected
	c.connected = time.Now()
	c.mu.Unlock()

	go c.receiveLoop(conn, done)
	obs.RelayConnected.Set(1)
	obs.RelayConnectsTotal.WithLabelValues("ok").Inc()
	obs.Info("relay.connected", obs.Fields{"url": c.cfg.URL})
	return nil
}

// Trigger starts a connection attempt in the background if none is up.
func (c *Client) Trigger() {
	if c.Connected() {
		return
	}
	c.spawn(func(ctx context.Context) {
		_ = c.EnsureConnected(ctx)
	})
}

// spawn runs fn on a tracked goroutine unless the client is closed.
func (c *Client) spawn(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.tasks.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.tasks.Done()
		fn(c.ctx)
	}()
	return true
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.retrying || c.closed {
		c.mu.Unlock()
		return
	}
	c.retrying = true
	c.mu.Unlock()
	ok := c.spawn(func(ctx context.Context) {
		t := time.NewTimer(c.cfg.ReconnectDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		c.mu.Lock()
		c.retrying = false
		c.mu.Unlock()
		_ = c.EnsureConnected(ctx)
	})
	if !ok {
		c.mu.Lock()
		c.retrying = false
		c.mu.Unlock()
	}
}

// stopLoop closes the current connection and waits for its receive loop. Caller holds gate.
func (c *Client) stopLoop() {
	c.mu.Lock()
	conn, done := c.conn, c.loopDone
	c.conn, c.loopDone = nil, nil
	if c.state == Connected {
		c.state = Disconnected
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

func (c *Client) receiveLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	obs.Info("relay.listener.start", nil)
	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.dispatch(data)
	}
	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		obs.Warn("relay.closed", obs.Fields{"reason": readErr.Error()})
	} else {
		obs.Debug("relay.listener.stop", obs.Fields{"err": readErr.Error()})
	}
	c.handleDisconnect(conn, readErr)
}

func (c *Client) dispatch(data []byte) {
	var resp proto.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		obs.ErrorsTotal.WithLabelValues("relay_decode").Inc()
		obs.Error("relay.decode", obs.Fields{"err": err.Error(), "raw": truncate(data, 200)})
		return
	}
	if resp.MessageID == "" {
		obs.Warn("relay.response.no_id", obs.Fields{"raw": truncate(data, 200)})
		return
	}
	if !c.pending.Resolve(resp.MessageID, resp) {
		f := obs.Fields{"id": resp.MessageID}
		if flowID, ok := proto.FlowIDFromMessageID(resp.MessageID); ok {
			// a late answer for a live flow usually means its waiter timed out
			f["flow"] = flowID
			f["flow_pending"] = c.pending.FlowLen(flowID)
		}
		obs.Debug("relay.response.unknown", f)
	}
}

// handleDisconnect runs once per connection when its receive loop exits.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.state = Disconnected
	}
	closed := c.closed
	c.mu.Unlock()
	_ = conn.Close()
	if !current {
		// replaced or shut down by the owner of the gate
		return
	}
	obs.RelayConnected.Set(0)
	if n := c.pending.DisconnectAll(cause); n > 0 {
		obs.Info("relay.pending.failed", obs.Fields{"count": n})
	}
	if !closed {
		obs.Info("relay.reconnect.scheduled", obs.Fields{"in": c.cfg.ReconnectDelay.String()})
		c.scheduleReconnect()
	}
}

// Send writes one JSON message. It fails fast with ErrNotConnected when no connection is up.
func (c *Client) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	conn, state, closed := c.conn, c.state, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if state != Connected || conn == nil {
		return ErrNotConnected
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("relay: encode: %w", err)
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("relay_write").Inc()
		obs.Error("relay.write", obs.Fields{"err": err.Error()})
		// the receive loop notices the close and runs the disconnect path
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// Request sends msg and waits for its verdict or the response timeout.
// A response carrying an error string is returned together with a *ResponseError.
func (c *Client) Request(ctx context.Context, msg proto.FlowMessage) (proto.Response, error) {
	w, err := c.pending.Register(msg.FlowID, msg.MessageID, c.cfg.ResponseTimeout)
	if err != nil {
		return proto.Response{}, err
	}
	if err := c.Send(ctx, msg); err != nil {
		c.pending.finish(w.ID, w, result{err: err})
		_, _ = c.pending.Wait(ctx, w)
		return proto.Response{}, err
	}
	resp, err := c.pending.Wait(ctx, w)
	if err == nil {
		obs.RelayRoundTrip.Observe(time.Since(w.sent).Seconds())
		if resp.Error != "" {
			return resp, &ResponseError{MessageID: resp.MessageID, Message: resp.Error}
		}
	}
	return resp, err
}

// Notify sends v in the background. Failures are logged only.
func (c *Client) Notify(v any) {
	c.spawn(func(ctx context.Context) {
		if err := c.Send(ctx, v); err != nil && !errors.Is(err, ErrNotConnected) {
			obs.Warn("relay.notify", obs.Fields{"err": err.Error()})
		}
	})
}

// CancelFlow fails the waiters of one flow with ErrFlowTerminated.
func (c *Client) CancelFlow(flowID string) int {
	return c.pending.CancelFlow(flowID)
}

// ConnectedSince reports when the current connection was established.
func (c *Client) ConnectedSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected, c.state == Connected
}

// Shutdown closes the connection for good. No reconnect is scheduled afterwards and
// every pending waiter is resolved with ErrConnectionLost.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	c.gate.Lock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
	c.stopLoop()
	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()
	c.gate.Unlock()

	obs.RelayConnected.Set(0)
	if n := c.pending.DisconnectAll(ErrClosed); n > 0 {
		obs.Info("relay.pending.failed", obs.Fields{"count": n})
	}

	done := make(chan struct{})
	go func() { c.tasks.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
