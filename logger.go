package wgcore

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/wgcore/track"
)

// silent is installed until SetLogger is called. slog.DiscardHandler
// reports every level disabled, so disabled calls never format.
var silent = slog.New(slog.DiscardHandler)

// logger is shared by every device and forwarded to package track.
var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(silent)
}

// SetLogger installs l for wgcore and package track. wgcore is silent
// until it is called; nil makes it silent again. Devices already open
// pick up the new logger on their next message.
//
// Records from a device carry "device" (its label) and "backend".
//
// Levels:
//   - [slog.LevelDebug]: submissions, queue writes, triage, barrier counts
//   - [slog.LevelInfo]: instance, adapter and device lifecycle
//   - [slog.LevelWarn]: device loss, aborted maps, work pending at teardown
//
// Example:
//
//	wgcore.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = silent
	}
	logger.Store(l)
	track.SetLogger(l)
}

// Logger returns the logger wgcore writes to.
func Logger() *slog.Logger {
	return logger.Load()
}

// logEvent writes msg at level with the device's label and backend
// appended to args.
func (d *Device) logEvent(level slog.Level, msg string, args ...any) {
	l := logger.Load()
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	args = append(args, "device", d.opts.label, "backend", d.opts.backend.String())
	l.Log(ctx, level, msg, args...)
}
