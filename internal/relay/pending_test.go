package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matst80/framerelay/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableResolveDeliversResponse(t *testing.T) {
	tbl := NewTable()
	w, err := tbl.Register("f1", "f1_0", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())

	assert.True(t, tbl.Resolve("f1_0", proto.Response{MessageID: "f1_0"}))
	resp, err := tbl.Wait(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, "f1_0", resp.MessageID)
	assert.Equal(t, 0, tbl.Len())

	// second resolution is a no-op
	assert.False(t, tbl.Resolve("f1_0", proto.Response{MessageID: "f1_0"}))
	assert.False(t, tbl.Cancel("f1_0"))
}

func TestTableDuplicateID(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Register("f1", "f1_0", 0)
	require.NoError(t, err)
	_, err = tbl.Register("f1", "f1_0", 0)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestTableTimeoutRemovesEntry(t *testing.T) {
	tbl := NewTable()
	w, err := tbl.Register("f1", "f1_0", 20*time.Millisecond)
	require.NoError(t, err)

	_, err = tbl.Wait(context.Background(), w)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, tbl.Len())
	assert.False(t, tbl.Resolve("f1_0", proto.Response{MessageID: "f1_0"}), "late response must be ignored")
}

func TestTableCancelFlowOnlyTouchesThatFlow(t *testing.T) {
	tbl := NewTable()
	a0, _ := tbl.Register("a", "a_0", 0)
	a1, _ := tbl.Register("a", "a_1", 0)
	b0, _ := tbl.Register("b", "b_0", 0)
	assert.Equal(t, 2, tbl.FlowLen("a"))

	assert.Equal(t, 2, tbl.CancelFlow("a"))
	for _, w := range []*Waiter{a0, a1} {
		_, err := tbl.Wait(context.Background(), w)
		assert.ErrorIs(t, err, ErrFlowTerminated)
	}
	assert.Equal(t, 1, tbl.Len())
	assert.True(t, tbl.Resolve("b_0", proto.Response{MessageID: "b_0"}))
	_, err := tbl.Wait(context.Background(), b0)
	assert.NoError(t, err)
}

func TestTableDisconnectAllWrapsCause(t *testing.T) {
	tbl := NewTable()
	w, _ := tbl.Register("a", "a_0", time.Minute)
	cause := errors.New("eof")
	assert.Equal(t, 1, tbl.DisconnectAll(cause))

	_, err := tbl.Wait(context.Background(), w)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Contains(t, err.Error(), "eof")
	assert.Equal(t, 0, tbl.Len())
}

func TestTableWaitContextCancel(t *testing.T) {
	tbl := NewTable()
	w, _ := tbl.Register("a", "a_0", 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tbl.Wait(ctx, w)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, tbl.Len())
}

func TestTableResolvesExactlyOnceUnderRace(t *testing.T) {
	tbl := NewTable()
	const n = 200
	waiters := make([]*Waiter, n)
	for i := range waiters {
		w, err := tbl.Register("f", proto.MessageID("f", uint64(i)), time.Millisecond)
		require.NoError(t, err)
		waiters[i] = w
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := proto.MessageID("f", uint64(i))
			tbl.Resolve(id, proto.Response{MessageID: id})
		}(i)
		go func() {
			defer wg.Done()
			tbl.CancelFlow("f")
		}()
	}
	wg.Wait()

	for _, w := range waiters {
		_, _ = tbl.Wait(context.Background(), w)
		select {
		case <-w.ch:
			t.Fatalf("waiter %s resolved twice", w.ID)
		default:
		}
	}
	assert.Equal(t, 0, tbl.Len())
}
