package relay

import "errors"

var (
	// ErrNotConnected is returned when no control connection is up at call time.
	ErrNotConnected = errors.New("relay: not connected")
	// ErrTimeout resolves a waiter whose deadline passed before a response arrived.
	ErrTimeout = errors.New("relay: response timeout")
	// ErrConnectionLost resolves every waiter pending when the connection goes away.
	ErrConnectionLost = errors.New("relay: connection lost")
	// ErrFlowTerminated resolves waiters of a flow that ended.
	ErrFlowTerminated = errors.New("relay: flow terminated")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("relay: client closed")
	// ErrDuplicateID is returned when a correlation id is registered twice.
	ErrDuplicateID = errors.New("relay: duplicate message id")
)

// ResponseError carries the error string of a relay response.
type ResponseError struct {
	MessageID string
	Message   string
}

func (e *ResponseError) Error() string {
	return "relay: " + e.MessageID + ": " + e.Message
}

// Outcome maps a request error to a short label for metrics and logs.
func Outcome(err error) string {
	var re *ResponseError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotConnected):
		return "unavailable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionLost):
		return "lost"
	case errors.Is(err, ErrFlowTerminated):
		return "terminated"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.As(err, &re):
		return "error"
	default:
		return "failed"
	}
}
