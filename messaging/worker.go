package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollTimeout bounds how long an idle worker blocks in Get before re-checking its lanes
const DefaultPollTimeout = time.Second

var (
	// ErrWorkerDisposed is returned when starting a disposed worker
	ErrWorkerDisposed = errors.New("messaging: worker is disposed")

	// ErrWorkerStopping is returned when starting a worker that has not finished stopping
	ErrWorkerStopping = errors.New("messaging: worker is stopping")
)

// WorkerStatus is the lifecycle state of a worker
type WorkerStatus int32

const (
	WorkerDisposed WorkerStatus = -1
	WorkerStopped  WorkerStatus = 0
	WorkerStopping WorkerStatus = 1
	WorkerStarting WorkerStatus = 2
	WorkerStarted  WorkerStatus = 3
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerDisposed:
		return "Disposed"
	case WorkerStopped:
		return "Stopped"
	case WorkerStopping:
		return "Stopping"
	case WorkerStarting:
		return "Starting"
	case WorkerStarted:
		return "Started"
	default:
		return fmt.Sprintf("WorkerStatus(%d)", int32(s))
	}
}

// IsLive reports whether the worker is starting or running
func (s WorkerStatus) IsLive() bool {
	return s == WorkerStarting || s == WorkerStarted
}

// WorkerOption configures a worker
type WorkerOption func(*Worker)

// WithPollTimeout sets the blocking Get timeout of an idle worker
func WithPollTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollTimeout = d
		}
	}
}

// WithWorkerLogger sets the logger
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// Worker runs one handler on its own goroutine with a client of its own.
//
// Lifecycle: Stopped -> Starting -> Started -> Stopping -> Stopped, and
// Dispose moves any state to the terminal Disposed.
type Worker struct {
	handler     Handler
	factory     ClientFactory
	pollTimeout time.Duration
	logger      *slog.Logger

	status  atomic.Int32
	lastErr atomic.Pointer[error]
	started atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a stopped worker for handler
func NewWorker(handler Handler, factory ClientFactory, opts ...WorkerOption) *Worker {
	w := &Worker{
		handler:     handler,
		factory:     factory,
		pollTimeout: DefaultPollTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("messageType", handler.MessageType())
	return w
}

// MessageType returns the type name of the worker's handler
func (w *Worker) MessageType() string {
	return w.handler.MessageType()
}

// Status returns the current lifecycle state
func (w *Worker) Status() WorkerStatus {
	return WorkerStatus(w.status.Load())
}

// GetStats returns the handler's counters
func (w *Worker) GetStats() MessageHandlerStats {
	return w.handler.GetStats()
}

// TimesStarted returns how many times the worker entered Started
func (w *Worker) TimesStarted() int64 {
	return w.started.Load()
}

// LastError returns the fault that last stopped the loop, if any
func (w *Worker) LastError() error {
	if p := w.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Done returns a channel closed once the current run of the loop has
// exited. It is already closed when the worker is not running.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return w.done
}

// Start launches the processing loop. Starting a running worker is a no-op.
// The loop ends when ctx is cancelled, Stop is called or a transport fault occurs.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.Status() {
	case WorkerDisposed:
		return ErrWorkerDisposed
	case WorkerStarting, WorkerStarted:
		return nil
	case WorkerStopping:
		return ErrWorkerStopping
	}

	if !w.status.CompareAndSwap(int32(WorkerStopped), int32(WorkerStarting)) {
		return ErrWorkerStopping
	}

	client, err := w.factory.CreateQueueClient()
	if err != nil {
		w.status.Store(int32(WorkerStopped))
		return fmt.Errorf("failed to create queue client: %w", err)
	}

	if w.cancel != nil {
		w.cancel()
	}
	// Stop cancels stopCtx only, so the in-flight message settles on ctx.
	stopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.lastErr.Store(nil)

	w.status.Store(int32(WorkerStarted))
	w.started.Add(1)
	go w.run(ctx, stopCtx, client, w.done)

	w.logger.Debug("worker started")
	return nil
}

// Stop ends the loop after the in-flight message and waits for it to exit
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	return nil
}

// Dispose stops the worker and makes it unusable
func (w *Worker) Dispose() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Status() == WorkerDisposed {
		return nil
	}
	w.stopLocked()
	w.status.Store(int32(WorkerDisposed))
	w.logger.Debug("worker disposed")
	return nil
}

func (w *Worker) stopLocked() {
	if w.status.CompareAndSwap(int32(WorkerStarted), int32(WorkerStopping)) {
		w.logger.Debug("worker stopping")
	}
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
	w.cancel = nil
	w.done = nil
}

func (w *Worker) run(ctx, stopCtx context.Context, client QueueClient, done chan struct{}) {
	defer func() {
		if err := client.Close(); err != nil {
			w.logger.Warn("failed to close queue client", "error", err)
		}
		w.status.Store(int32(WorkerStopped))
		close(done)
		w.logger.Debug("worker stopped")
	}()

	doNext := func() bool {
		return w.Status() == WorkerStarted && ctx.Err() == nil
	}
	names := w.handler.QueueNames()
	lanes := []string{names.Priority, names.In}
	waiter, canWait := client.(QueueWaiter)

	for doNext() {
		n, err := w.handler.ProcessWhile(ctx, client, doNext)
		if err != nil {
			w.fault(err)
			return
		}
		if n > 0 {
			continue
		}

		if canWait {
			if _, err := waiter.WaitAny(stopCtx, lanes, w.pollTimeout); err != nil && !IsTimeout(err) {
				w.fault(err)
				return
			}
			continue
		}

		d, err := client.Get(stopCtx, names.In, w.pollTimeout)
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			w.fault(err)
			return
		}
		if d == nil {
			continue
		}

		// Priority messages that arrived during the wait go before d.
		if _, err := w.handler.ProcessQueue(ctx, client, names.Priority, doNext); err != nil {
			w.fault(err)
			return
		}
		if err := w.handler.ProcessMessage(ctx, client, d); err != nil {
			w.fault(err)
			return
		}
	}

	w.status.CompareAndSwap(int32(WorkerStarted), int32(WorkerStopping))
}

func (w *Worker) fault(err error) {
	w.lastErr.Store(&err)
	w.status.CompareAndSwap(int32(WorkerStarted), int32(WorkerStopping))
	w.logger.Error("worker loop failed, stopping", "error", err)
}
