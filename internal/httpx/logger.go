package httpx

import (
	"sync"

	"github.com/matst80/framerelay/internal/obs"
)

const defaultMaxHeader = 64 << 10

// Logger logs the URL of the HTTP request opening a flow. It only reads the bytes.
type Logger struct {
	maxHeader int

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewLogger(maxHeader int) *Logger {
	if maxHeader <= 0 {
		maxHeader = defaultMaxHeader
	}
	return &Logger{maxHeader: maxHeader, seen: make(map[string]struct{})}
}

// Observe inspects the first client chunk of flowID. Later chunks are ignored.
// It reports the parsed request when one was logged.
func (l *Logger) Observe(flowID string, data []byte) (*Request, bool) {
	l.mu.Lock()
	if _, done := l.seen[flowID]; done {
		l.mu.Unlock()
		return nil, false
	}
	l.seen[flowID] = struct{}{}
	l.mu.Unlock()

	req, err := ParseRequest(data, l.maxHeader)
	if err != nil {
		if err != errNotHTTP {
			obs.Debug("http.request.unparsed", obs.Fields{"flow": flowID, "err": err.Error()})
		}
		return nil, false
	}
	obs.Info("http.request", obs.Fields{"flow": flowID, "method": req.Method, "url": req.URL()})
	return req, true
}

// Forget drops the state of an ended flow.
func (l *Logger) Forget(flowID string) {
	l.mu.Lock()
	delete(l.seen, flowID)
	l.mu.Unlock()
}
