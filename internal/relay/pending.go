package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/framerelay/internal/obs"
	"github.com/matst80/framerelay/internal/proto"
)

type result struct {
	resp proto.Response
	err  error
}

// Waiter is the single-resolution slot for one in-flight message.
type Waiter struct {
	ID     string
	FlowID string
	sent   time.Time
	ch     chan result
	timer  *time.Timer
}

// Table correlates message ids with waiters. Every waiter is resolved exactly once,
// by whichever of response, timeout, cancel or disconnect gets to it first.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Waiter
}

func NewTable() *Table {
	return &Table{pending: make(map[string]*Waiter)}
}

// Register adds a waiter for id that times out after timeout (0 disables the timer).
func (t *Table) Register(flowID, id string, timeout time.Duration) (*Waiter, error) {
	w := &Waiter{ID: id, FlowID: flowID, sent: time.Now(), ch: make(chan result, 1)}
	t.mu.Lock()
	if _, exists := t.pending[id]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	t.pending[id] = w
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { t.finish(id, w, result{err: ErrTimeout}) })
	}
	n := len(t.pending)
	t.mu.Unlock()
	obs.PendingResponses.Set(float64(n))
	return w, nil
}

// finish resolves w if it is still the pending entry for id.
func (t *Table) finish(id string, w *Waiter, r result) bool {
	t.mu.Lock()
	cur, ok := t.pending[id]
	if !ok || (w != nil && cur != w) {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, id)
	n := len(t.pending)
	t.mu.Unlock()
	if cur.timer != nil {
		cur.timer.Stop()
	}
	cur.ch <- r
	obs.PendingResponses.Set(float64(n))
	return true
}

// Resolve delivers a response. It reports false for unknown or already resolved ids.
func (t *Table) Resolve(id string, resp proto.Response) bool {
	return t.finish(id, nil, result{resp: resp})
}

// Cancel resolves id with ErrFlowTerminated.
func (t *Table) Cancel(id string) bool {
	return t.finish(id, nil, result{err: ErrFlowTerminated})
}

// CancelFlow cancels every waiter of flowID and returns how many were pending.
func (t *Table) CancelFlow(flowID string) int {
	return t.failWhere(func(w *Waiter) bool { return w.FlowID == flowID }, ErrFlowTerminated)
}

// DisconnectAll fails every waiter with ErrConnectionLost wrapping cause.
func (t *Table) DisconnectAll(cause error) int {
	err := ErrConnectionLost
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}
	return t.failWhere(func(*Waiter) bool { return true }, err)
}

func (t *Table) failWhere(match func(*Waiter) bool, err error) int {
	t.mu.Lock()
	var hit []*Waiter
	for id, w := range t.pending {
		if match(w) {
			hit = append(hit, w)
			delete(t.pending, id)
		}
	}
	n := len(t.pending)
	t.mu.Unlock()
	for _, w := range hit {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.ch <- result{err: err}
	}
	obs.PendingResponses.Set(float64(n))
	return len(hit)
}

// Len is the number of unresolved waiters.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// FlowLen is the number of unresolved waiters of one flow.
func (t *Table) FlowLen(flowID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, w := range t.pending {
		if w.FlowID == flowID {
			n++
		}
	}
	return n
}

// Wait blocks until the waiter is resolved. Cancelling ctx resolves it with ctx.Err().
func (t *Table) Wait(ctx context.Context, w *Waiter) (proto.Response, error) {
	select {
	case r := <-w.ch:
		return r.resp, r.err
	case <-ctx.Done():
		t.finish(w.ID, w, result{err: ctx.Err()})
		r := <-w.ch
		return r.resp, r.err
	}
}
