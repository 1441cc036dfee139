package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/framerelay/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay answers flow_message with handle and records every inbound envelope.
type fakeRelay struct {
	srv    *httptest.Server
	handle func(proto.FlowMessage) *proto.Response

	mu     sync.Mutex
	events []proto.Envelope
	conns  []*websocket.Conn
	accept int
}

func newFakeRelay(t *testing.T, handle func(proto.FlowMessage) *proto.Response) *fakeRelay {
	t.Helper()
	f := &fakeRelay{handle: handle}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, c)
		f.accept++
		f.mu.Unlock()
		var wmu sync.Mutex
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var env proto.Envelope
			_ = json.Unmarshal(data, &env)
			f.mu.Lock()
			f.events = append(f.events, env)
			f.mu.Unlock()
			if env.Event != proto.EventFlowMessage || f.handle == nil {
				continue
			}
			var msg proto.FlowMessage
			_ = json.Unmarshal(data, &msg)
			if resp := f.handle(msg); resp != nil {
				wmu.Lock()
				_ = c.WriteJSON(resp)
				wmu.Unlock()
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func (f *fakeRelay) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
}

func (f *fakeRelay) accepted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accept
}

func (f *fakeRelay) eventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Event
	}
	return out
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c := New(Config{
		URL:             url,
		ReconnectDelay:  50 * time.Millisecond,
		ResponseTimeout: 300 * time.Millisecond,
		DialTimeout:     time.Second,
		WriteTimeout:    time.Second,
	}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func flowMessage(flowID string, seq uint64, frames ...[]byte) proto.FlowMessage {
	return proto.FlowMessage{
		Event:     proto.EventFlowMessage,
		MessageID: proto.MessageID(flowID, seq),
		FlowID:    flowID,
		Direction: proto.DirClientToServer,
		Segments:  proto.EncodeSegments(frames),
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestClientRequestRoundTrip(t *testing.T) {
	fr := newFakeRelay(t, func(m proto.FlowMessage) *proto.Response {
		return &proto.Response{MessageID: m.MessageID, ModifiedSegments: proto.EncodeSegments([][]byte{[]byte("XY")})}
	})
	c := newTestClient(t, fr.url())

	require.NoError(t, c.EnsureConnected(context.Background()))
	assert.True(t, c.Connected())
	assert.Equal(t, Connected, c.State())

	resp, err := c.Request(context.Background(), flowMessage("f1", 0, []byte("ab")))
	require.NoError(t, err)
	payload, ok, err := resp.Replacement()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("XY"), payload)
	assert.Equal(t, 0, c.Pending().Len())
}

func TestClientEnsureConnectedIsIdempotent(t *testing.T) {
	fr := newFakeRelay(t, nil)
	c := newTestClient(t, fr.url())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.EnsureConnected(context.Background())
		}()
	}
	wg.Wait()
	assert.True(t, c.Connected())
	assert.Equal(t, 1, fr.accepted())
}

func TestClientResponseErrorIsSurfaced(t *testing.T) {
	fr := newFakeRelay(t, func(m proto.FlowMessage) *proto.Response {
		return &proto.Response{MessageID: m.MessageID, Error: "boom"}
	})
	c := newTestClient(t, fr.url())
	require.NoError(t, c.EnsureConnected(context.Background()))

	_, err := c.Request(context.Background(), flowMessage("f1", 0, []byte("ab")))
	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "boom", re.Message)
	assert.Equal(t, "error", Outcome(err))
}

func TestClientRequestTimesOut(t *testing.T) {
	fr := newFakeRelay(t, func(proto.FlowMessage) *proto.Response { return nil })
	c := newTestClient(t, fr.url())
	require.NoError(t, c.EnsureConnected(context.Background()))

	start := time.Now()
	_, err := c.Request(context.Background(), flowMessage("f1", 0, []byte("ab")))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, 0, c.Pending().Len())
}

func TestClientUnreachableFailsFast(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := newTestClient(t, "ws://"+addr)
	err = c.EnsureConnected(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.Connected())

	// a reconnect is pending, so the next attempt does not dial
	err = c.EnsureConnected(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Request(context.Background(), flowMessage("f1", 0, []byte("a")))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, c.Pending().Len())
}

func TestClientDisconnectFailsPendingAndReconnects(t *testing.T) {
	fr := newFakeRelay(t, func(proto.FlowMessage) *proto.Response { return nil })
	c := newTestClient(t, fr.url())
	c.cfg.ResponseTimeout = 5 * time.Second
	require.NoError(t, c.EnsureConnected(context.Background()))

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), flowMessage("f1", 0, []byte("ab")))
		errc <- err
	}()
	require.Eventually(t, func() bool { return c.Pending().Len() == 1 }, time.Second, 5*time.Millisecond)

	fr.dropAll()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on disconnect")
	}
	require.Eventually(t, func() bool { return c.Connected() && fr.accepted() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientTriggerConnectsInBackground(t *testing.T) {
	fr := newFakeRelay(t, nil)
	c := newTestClient(t, fr.url())

	c.Trigger()
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)
}

func TestClientNotifyAndCancelFlow(t *testing.T) {
	fr := newFakeRelay(t, func(proto.FlowMessage) *proto.Response { return nil })
	c := newTestClient(t, fr.url())
	c.cfg.ResponseTimeout = 5 * time.Second
	require.NoError(t, c.EnsureConnected(context.Background()))

	c.Notify(proto.FlowStart{Event: proto.EventFlowStart, FlowID: "f1"})
	require.Eventually(t, func() bool {
		names := fr.eventNames()
		return len(names) == 1 && names[0] == proto.EventFlowStart
	}, time.Second, 5*time.Millisecond)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), flowMessage("f1", 0, []byte("ab")))
		errc <- err
	}()
	require.Eventually(t, func() bool { return c.Pending().FlowLen("f1") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.CancelFlow("f1"))
	assert.ErrorIs(t, <-errc, ErrFlowTerminated)
}

func TestClientShutdown(t *testing.T) {
	fr := newFakeRelay(t, nil)
	c := newTestClient(t, fr.url())
	require.NoError(t, c.EnsureConnected(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.EnsureConnected(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.Send(context.Background(), proto.FlowEnd{Event: proto.EventFlowEnd}), ErrClosed)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fr.accepted(), "no reconnect after shutdown")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}

func TestClientIgnoresUnknownResponseIDs(t *testing.T) {
	fr := newFakeRelay(t, func(m proto.FlowMessage) *proto.Response {
		if m.MessageID == "f1_0" {
			return &proto.Response{MessageID: "f1_99"}
		}
		return &proto.Response{MessageID: m.MessageID}
	})
	c := newTestClient(t, fr.url())
	require.NoError(t, c.EnsureConnected(context.Background()))

	_, err := c.Request(context.Background(), flowMessage("f1", 0, []byte("a")))
	assert.ErrorIs(t, err, ErrTimeout)

	resp, err := c.Request(context.Background(), flowMessage("f1", 1, []byte("b")))
	require.NoError(t, err)
	assert.Equal(t, "f1_1", resp.MessageID)
	assert.True(t, c.Connected())
	assert.Equal(t, 1, fr.accepted())
}
