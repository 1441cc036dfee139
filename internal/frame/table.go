package frame

import "sync"

// DefaultMaxPayload bounds the length field a Table accepts before it gives up on framing.
const DefaultMaxPayload = 16 << 20

// Batch is the outcome of one Feed.
type Batch struct {
	// Passthrough holds bytes that must be forwarded as is, ahead of Frames: the unsent
	// tail of a frame whose head was already forwarded, or the whole unsent buffer when
	// framing was lost.
	Passthrough []byte
	// Frames are complete frames none of whose bytes have been forwarded yet.
	Frames [][]byte
}

type entry struct {
	rest []byte
	sent int // leading bytes of rest already forwarded by Forward
}

// Table holds the not-yet-framed tail of every live stream.
// It is safe for concurrent use; callers keep calls for one key ordered.
type Table struct {
	mu    sync.Mutex
	limit uint64
	rest  map[string]*entry
}

func NewTable() *Table {
	return NewTableLimit(DefaultMaxPayload)
}

// NewTableLimit returns a Table rejecting payload lengths above limit.
func NewTableLimit(limit uint64) *Table {
	if limit == 0 || limit > maxPayload {
		limit = maxPayload
	}
	return &Table{limit: limit, rest: make(map[string]*entry)}
}

func (t *Table) entry(key string) *entry {
	e, ok := t.rest[key]
	if !ok {
		e = &entry{}
		t.rest[key] = e
	}
	return e
}

// split appends data to the entry and splits the result. On a *ParseError the entry is
// reset so the next chunk is parsed from a fresh frame boundary.
func (t *Table) split(e *entry, data []byte) (buf []byte, frames [][]byte, err error) {
	buf = make([]byte, 0, len(e.rest)+len(data))
	buf = append(buf, e.rest...)
	buf = append(buf, data...)

	frames, rest, err := SplitLimit(buf, t.limit)
	if err != nil {
		e.rest, e.sent = nil, 0
		return buf, nil, err
	}
	consumed := len(buf) - len(rest)
	e.sent = max(0, e.sent-consumed)
	if len(rest) == 0 {
		e.rest = nil
	} else {
		e.rest = append([]byte(nil), rest...)
	}
	return buf, frames, nil
}

// Feed appends data to the stream's remainder and returns what it completes. Frames that
// were partly forwarded by Forward come back as Passthrough, never as Frames.
// A *ParseError turns everything unsent into Passthrough and drops the buffer.
func (t *Table) Feed(key string, data []byte) (Batch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(key)
	sent := e.sent
	buf, frames, err := t.split(e, data)
	if err != nil {
		return Batch{Passthrough: buf[sent:]}, err
	}
	var b Batch
	off, i := 0, 0
	for i < len(frames) && off < sent {
		off += len(frames[i])
		i++
	}
	if off > sent {
		b.Passthrough = buf[sent:off]
	}
	b.Frames = frames[i:]
	return b, nil
}

// Forward keeps framing in step with data without holding anything back: it returns every
// byte not forwarded yet, buffered bytes first, and remembers them as sent.
func (t *Table) Forward(key string, data []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(key)
	sent := e.sent
	buf, _, err := t.split(e, data)
	if err == nil {
		e.sent = len(e.rest)
	}
	return buf[sent:], err
}

// Open creates an empty entry for a new stream.
func (t *Table) Open(key string) {
	t.mu.Lock()
	t.entry(key)
	t.mu.Unlock()
}

// Drop forgets the stream and returns the number of buffered bytes never forwarded.
func (t *Table) Drop(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.rest[key]
	if !ok {
		return 0
	}
	delete(t.rest, key)
	return len(e.rest) - e.sent
}

// Buffered reports how many bytes are waiting for the stream's next frame.
func (t *Table) Buffered(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.rest[key]; ok {
		return len(e.rest)
	}
	return 0
}

func (t *Table) Has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rest[key]
	return ok
}

// Len is the number of streams with an entry.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rest)
}

// TotalBuffered sums the buffered bytes of every stream.
func (t *Table) TotalBuffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.rest {
		n += len(e.rest)
	}
	return n
}
