package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShutdownContext_SignalCancelsWithCause(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx := shutdownContext(parent, discardLogger())

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled within 2 seconds of SIGINT")
	}

	cause := context.Cause(ctx)
	assert.ErrorIs(t, cause, errInterrupted)
	assert.Contains(t, cause.Error(), "interrupt")

	// Stops the goroutine waiting for a second signal.
	cancel()
}

func TestShutdownContext_ParentCancelPropagates(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx := shutdownContext(parent, discardLogger())

	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled within 2 seconds of parent cancel")
	}

	assert.True(t, errors.Is(context.Cause(ctx), context.Canceled))
	assert.False(t, errors.Is(context.Cause(ctx), errInterrupted))
}
