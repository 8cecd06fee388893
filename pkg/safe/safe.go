// Package safe runs callbacks that must not take their caller down.
package safe

import (
	"log/slog"
	"runtime/debug"
)

// Run executes fn and logs a recovered panic on log. It reports whether fn
// returned normally.
func Run(log *slog.Logger, component string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if log == nil {
				log = slog.Default()
			}
			log.Error("panic recovered",
				slog.Any("recover", r),
				slog.String("component", component),
				slog.String("stack", string(debug.Stack())),
			)
			ok = false
		}
	}()
	fn()
	return true
}

// Go runs fn on a new goroutine under Run.
func Go(log *slog.Logger, component string, fn func()) {
	go Run(log, component, fn)
}
