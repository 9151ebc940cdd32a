package track

import (
	"log/slog"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.DiscardHandler))
}

// slogger returns the current package logger.
func slogger() *slog.Logger { return logger.Load() }

// SetLogger sets the logger used by the tracker. Passing nil disables
// logging. The root package forwards its logger here.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	logger.Store(l)
}
