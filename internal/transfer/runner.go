package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/apperr"
)

// Direction tells uploads and downloads apart in events and the journal.
type Direction string

// Transfer directions.
const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// EventKind classifies runner events. Every run delivers EventStarted,
// any number of EventRunning, then exactly one of EventFinished,
// EventCanceled or EventFailed.
type EventKind int

// Event kinds.
const (
	EventStarted EventKind = iota
	EventRunning
	EventFinished
	EventCanceled
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventRunning:
		return "running"
	case EventFinished:
		return "finished"
	case EventCanceled:
		return "canceled"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether k ends a run.
func (k EventKind) Terminal() bool {
	return k == EventFinished || k == EventCanceled || k == EventFailed
}

// Event is delivered to runner callbacks.
type Event struct {
	Kind        EventKind
	TransferID  string
	Direction   Direction
	Transferred int64
	Total       int64
	Node        *api.Node // set on EventFinished
	Err         error     // set on EventCanceled and EventFailed
	At          time.Time
}

// Callback receives runner events on the runner's goroutine. Callbacks must
// not block.
type Callback func(Event)

// Result is the outcome of a finished task.
type Result struct {
	Node        *api.Node
	Transferred int64
}

// Task is the unit of work a Runner executes.
type Task interface {
	ID() string
	Direction() Direction
	Run(ctx context.Context, progress ProgressFunc) (Result, error)
}

// UploadTask copies Source into Upload.
type UploadTask struct {
	Upload *Upload
	Source io.Reader
}

// ID implements Task.
func (t UploadTask) ID() string { return t.Upload.ID() }

// Direction implements Task.
func (t UploadTask) Direction() Direction { return DirectionUpload }

// Run implements Task.
func (t UploadTask) Run(ctx context.Context, progress ProgressFunc) (Result, error) {
	t.Upload.progress.add(progress)

	if err := t.Upload.Start(ctx); err != nil {
		return Result{}, err
	}

	if _, err := io.Copy(t.Upload, t.Source); err != nil {
		if t.Upload.State().Terminal() {
			return Result{}, err
		}

		// The source failed; the engine itself is still healthy.
		return Result{}, t.Upload.fail(fmt.Errorf("transfer: reading source: %w: %w", apperr.ErrFileIO, err))
	}

	node, err := t.Upload.Complete()
	if err != nil {
		return Result{}, err
	}

	return Result{Node: node, Transferred: t.Upload.sent}, nil
}

// DownloadTask copies Download into Sink.
type DownloadTask struct {
	Download *Download
	Sink     io.Writer
}

// ID implements Task.
func (t DownloadTask) ID() string { return t.Download.ID() }

// Direction implements Task.
func (t DownloadTask) Direction() Direction { return DirectionDownload }

// Run implements Task.
func (t DownloadTask) Run(ctx context.Context, progress ProgressFunc) (Result, error) {
	t.Download.progress.add(progress)

	if err := t.Download.Start(ctx); err != nil {
		return Result{}, err
	}

	n, err := io.Copy(t.Sink, t.Download)
	if err != nil {
		if t.Download.State().Terminal() {
			return Result{}, err
		}

		return Result{}, t.Download.fail(fmt.Errorf("transfer: writing sink: %w: %w", apperr.ErrFileIO, err))
	}

	return Result{Node: t.Download.Node(), Transferred: n}, nil
}

// Runner executes one Task on its own goroutine and reports its lifecycle
// to registered callbacks. A Runner is single-use.
type Runner struct {
	task   Task
	logger *slog.Logger

	mu        sync.Mutex
	callbacks map[int]Callback
	nextID    int
	started   bool
	cancel    context.CancelCauseFunc

	done   chan struct{}
	result Result
	err    error
}

// ErrCanceledByCaller is the cancellation cause recorded by Runner.Cancel.
var ErrCanceledByCaller = errors.New("transfer: canceled by caller")

// NewRunner creates a runner for task.
func NewRunner(task Task, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		task:      task,
		logger:    logger.With(slog.String("transfer_id", task.ID())),
		callbacks: make(map[int]Callback),
		done:      make(chan struct{}),
	}
}

// ID returns the task's transfer id.
func (r *Runner) ID() string { return r.task.ID() }

// AddCallback registers cb and returns a handle for RemoveCallback.
func (r *Runner) AddCallback(cb Callback) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.callbacks[r.nextID] = cb

	return r.nextID
}

// RemoveCallback unregisters the callback with handle id.
func (r *Runner) RemoveCallback(id int) {
	r.mu.Lock()
	delete(r.callbacks, id)
	r.mu.Unlock()
}

// Start launches the task. The run ends when the task finishes, ctx is
// canceled, or Cancel is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return apperr.IllegalState("transfer: runner %s already started", r.task.ID())
	}

	r.started = true

	runCtx, cancel := context.WithCancelCause(ctx)
	r.cancel = cancel

	go r.run(runCtx)

	return nil
}

// Cancel requests cancellation. The task observes it at its next
// checkpoint. Cancel before Start or after the run ended is a no-op.
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel(ErrCanceledByCaller)
	}
}

// Done is closed when the run has ended and the terminal event was
// delivered.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Wait blocks until the run ends and returns its outcome.
func (r *Runner) Wait() (Result, error) {
	<-r.done
	return r.result, r.err
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	defer r.cancel(nil)

	r.emit(Event{Kind: EventStarted})

	result, err := r.task.Run(ctx, func(transferred, total int64) {
		r.emit(Event{Kind: EventRunning, Transferred: transferred, Total: total})
	})

	r.result, r.err = result, err

	switch {
	case err == nil:
		r.logger.Debug("transfer finished", slog.Int64("bytes", result.Transferred))
		r.emit(Event{Kind: EventFinished, Node: result.Node, Transferred: result.Transferred})
	case errors.Is(err, apperr.ErrCanceled):
		r.emit(Event{Kind: EventCanceled, Err: err})
	default:
		r.emit(Event{Kind: EventFailed, Err: err})
	}
}

func (r *Runner) emit(ev Event) {
	ev.TransferID = r.task.ID()
	ev.Direction = r.task.Direction()
	ev.At = time.Now()

	r.mu.Lock()

	ids := make([]int, 0, len(r.callbacks))
	for id := range r.callbacks {
		ids = append(ids, id)
	}

	cbs := make([]Callback, 0, len(ids))

	slices.Sort(ids)

	for _, id := range ids {
		cbs = append(cbs, r.callbacks[id])
	}

	r.mu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
}
