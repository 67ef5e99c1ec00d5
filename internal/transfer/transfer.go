// Package transfer implements the chunked, optionally encrypting upload and
// download engines and the Runner that drives them in the background.
//
// Engines are single-owner state machines. They bind to the context passed
// to Start and check it before every network call; the calls themselves run
// detached from cancellation, so an in-flight request finishes and the next
// checkpoint reports apperr.ErrCanceled.
package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
)

// MinChunkSize is the smallest chunk the engines dispatch. S3 multipart
// uploads reject smaller non-final parts; the minimum applies to every path.
const MinChunkSize = 5 * 1024 * 1024

// DefaultChunkSize is used when no chunk size is configured.
const DefaultChunkSize = 10 * 1024 * 1024

// State is the lifecycle position of an engine.
type State int

// Engine states.
const (
	StateInit State = iota
	StateStarted
	StateWriting
	StateCompleting
	StateCompleted
	StateCanceled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStarted:
		return "started"
	case StateWriting:
		return "writing"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCanceled || s == StateFailed
}

// ProgressFunc receives the cumulative bytes transferred and the declared
// total (-1 when unknown).
type ProgressFunc func(transferred, total int64)

// clampChunkSize applies the default and the minimum chunk size.
func clampChunkSize(n int) int {
	if n <= 0 {
		return DefaultChunkSize
	}

	return max(n, MinChunkSize)
}

// checkpoint returns a cancellation error if ctx is done.
func checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}

	return apperr.Canceled(context.Cause(ctx))
}

// settle maps err to the engine's terminal state. Errors observed after ctx
// was canceled count as cancellation.
func settle(ctx context.Context, err error) (State, error) {
	if errors.Is(err, apperr.ErrCanceled) {
		return StateCanceled, err
	}

	if ctx.Err() != nil {
		return StateCanceled, apperr.Canceled(errors.Join(context.Cause(ctx), err))
	}

	return StateFailed, err
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// progressThrottle reports at most once per interval, and never once the
// owning context is done.
type progressThrottle struct {
	mu       sync.Mutex
	fns      []ProgressFunc
	interval time.Duration
	last     time.Time
	nowFunc  func() time.Time
}

const progressInterval = 100 * time.Millisecond

func newProgressThrottle(fn ProgressFunc) *progressThrottle {
	p := &progressThrottle{interval: progressInterval, nowFunc: time.Now}
	if fn != nil {
		p.fns = append(p.fns, fn)
	}

	return p
}

func (p *progressThrottle) add(fn ProgressFunc) {
	if fn == nil {
		return
	}

	p.mu.Lock()
	p.fns = append(p.fns, fn)
	p.mu.Unlock()
}

func (p *progressThrottle) report(ctx context.Context, transferred, total int64) {
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()

	now := p.nowFunc()
	if len(p.fns) == 0 || (!p.last.IsZero() && now.Sub(p.last) < p.interval) {
		p.mu.Unlock()
		return
	}

	p.last = now
	fns := append([]ProgressFunc(nil), p.fns...)
	p.mu.Unlock()

	for _, fn := range fns {
		fn(transferred, total)
	}
}
