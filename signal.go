package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// errInterrupted is the cancellation cause recorded when the user stops a
// command with SIGINT or SIGTERM.
var errInterrupted = errors.New("interrupted")

// shutdownContext returns a context canceled with errInterrupted on the first
// SIGINT/SIGTERM. A running transfer then stops at its next checkpoint, removes
// its partial file and the command exits with exitCanceled. A second signal
// exits immediately.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancelCause(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, canceling transfer",
				slog.String("signal", sig.String()),
			)
			cancel(fmt.Errorf("%w by %s", errInterrupted, sig))
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, exiting",
				slog.String("signal", sig.String()),
			)
			os.Exit(exitCanceled)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}
