package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// main is the tasktrackd entry point.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		reportError(cmd.ErrOrStderr(), err)
		stop()
		os.Exit(1)
	}
}
