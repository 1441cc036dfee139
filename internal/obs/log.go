package obs

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	defer mu.Unlock()
	if v {
		base = base.Level(zerolog.DebugLevel)
	} else {
		base = base.Level(zerolog.InfoLevel)
	}
}

// SetOutput redirects logs to w. console selects the human readable writer.
func SetOutput(w io.Writer, console bool) {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	mu.Lock()
	defer mu.Unlock()
	base = base.Output(w)
}

type Fields map[string]any

func logger() *zerolog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	return &l
}

func logWith(ev *zerolog.Event, msg string, f Fields) {
	if ev == nil {
		return
	}
	if len(f) > 0 {
		ev = ev.Fields(map[string]any(f))
	}
	ev.Msg(msg)
}

func Info(msg string, f Fields)  { logWith(logger().Info(), msg, f) }
func Warn(msg string, f Fields)  { logWith(logger().Warn(), msg, f) }
func Error(msg string, f Fields) { logWith(logger().Error(), msg, f) }
func Debug(msg string, f Fields) { logWith(logger().Debug(), msg, f) }
