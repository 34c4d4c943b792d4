package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-mq/internal/reliability"
)

// Restart backoff of faulted workers
const (
	DefaultRestartDelay    = 500 * time.Millisecond
	DefaultMaxRestartDelay = 30 * time.Second
)

var (
	// ErrServerRunning is returned when handlers are registered on a started server
	ErrServerRunning = errors.New("messaging: server is running")

	// ErrServerDisposed is returned when using a disposed server
	ErrServerDisposed = errors.New("messaging: server is disposed")

	// ErrHandlerRegistered is returned when a message type already has a handler
	ErrHandlerRegistered = errors.New("messaging: handler already registered")
)

// ServerOption configures a server
type ServerOption func(*Server)

// WithServerLogger sets the logger used by the server, its workers and handlers
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerPollTimeout sets the idle Get timeout of every worker
func WithServerPollTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

// WithDefaultRetryLimit sets the retry limit of handlers registered without one
func WithDefaultRetryLimit(limit int) ServerOption {
	return func(s *Server) {
		s.retryLimit = limit
	}
}

// WithDefaultWorkerCount sets the worker count of handlers registered without one
func WithDefaultWorkerCount(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.workerCount = n
		}
	}
}

// WithRestartBackoff sets the delays between restarts of a faulted worker.
// The delay doubles per consecutive fault up to max.
func WithRestartBackoff(initial, max time.Duration) ServerOption {
	return func(s *Server) {
		if initial > 0 && max >= initial {
			s.restart = reliability.NewExponentialBackoff(initial, max, 2.0, -1)
		}
	}
}

type registration struct {
	messageType string
	workerCount int
	newHandler  func() Handler
}

// Server supervises the workers of every registered handler
type Server struct {
	factory     ClientFactory
	logger      *slog.Logger
	pollTimeout time.Duration
	retryLimit  int
	workerCount int
	restart     *reliability.ExponentialBackoff

	status      atomic.Int32
	halt        chan struct{}
	supervisors sync.WaitGroup

	mu            sync.Mutex
	registrations []registration
	types         map[string]struct{}
	workers       []*Worker
	producer      Producer
}

// NewServer creates a stopped server running handlers on factory's clients
func NewServer(factory ClientFactory, opts ...ServerOption) *Server {
	s := &Server{
		factory:     factory,
		logger:      slog.Default(),
		pollTimeout: DefaultPollTimeout,
		retryLimit:  DefaultRetryLimit,
		workerCount: 1,
		restart:     reliability.NewExponentialBackoff(DefaultRestartDelay, DefaultMaxRestartDelay, 2.0, -1),
		types:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandler registers fn for messages of type T. Each of the handler's
// workers gets its own MessageHandler instance.
func RegisterHandler[T any](s *Server, fn HandlerFunc[T], opts ...HandlerOption) error {
	if fn == nil {
		return errors.New("messaging: handler func is nil")
	}

	defaults := []HandlerOption{
		WithRetryLimit(s.retryLimit),
		WithHandlerLogger(s.logger),
		WithWorkerCount(s.workerCount),
	}
	cfg := newHandlerConfig(append(defaults, opts...))

	template := newMessageHandler(fn, cfg)
	return s.register(registration{
		messageType: template.MessageType(),
		workerCount: cfg.workerCount,
		newHandler: func() Handler {
			return newMessageHandler(fn, cfg)
		},
	})
}

func (s *Server) register(r registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Status() {
	case WorkerDisposed:
		return ErrServerDisposed
	case WorkerStopped:
	default:
		return ErrServerRunning
	}
	if _, ok := s.types[r.messageType]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, r.messageType)
	}

	s.types[r.messageType] = struct{}{}
	s.registrations = append(s.registrations, r)
	s.logger.Debug("registered handler", "messageType", r.messageType, "workers", r.workerCount)
	return nil
}

// Status returns the server's lifecycle state
func (s *Server) Status() WorkerStatus {
	return WorkerStatus(s.status.Load())
}

// Start starts every worker. If one fails to start the others are stopped again.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Status() {
	case WorkerDisposed:
		return ErrServerDisposed
	case WorkerStarted:
		return nil
	}
	s.status.Store(int32(WorkerStarting))

	if s.workers == nil {
		for _, r := range s.registrations {
			for i := 0; i < r.workerCount; i++ {
				s.workers = append(s.workers, NewWorker(r.newHandler(), s.factory,
					WithPollTimeout(s.pollTimeout),
					WithWorkerLogger(s.logger.With("worker", i)),
				))
			}
		}
	}

	for _, w := range s.workers {
		if err := w.Start(ctx); err != nil {
			s.stopWorkers()
			s.status.Store(int32(WorkerStopped))
			return fmt.Errorf("failed to start worker for %s: %w", w.MessageType(), err)
		}
	}

	s.halt = make(chan struct{})
	for _, w := range s.workers {
		s.supervisors.Add(1)
		go s.supervise(ctx, w, s.halt)
	}

	s.status.Store(int32(WorkerStarted))
	s.logger.Info("server started", "handlers", len(s.registrations), "workers", len(s.workers))
	return nil
}

// Stop stops every worker and waits for their in-flight messages
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() == WorkerDisposed || s.Status() == WorkerStopped {
		return nil
	}
	s.status.Store(int32(WorkerStopping))
	s.stopWorkers()
	s.status.Store(int32(WorkerStopped))
	s.logger.Info("server stopped")
	return nil
}

// supervise restarts w whenever its loop ends on a fault, until halt is
// closed or ctx ends. A worker stopped without a fault is left alone.
func (s *Server) supervise(ctx context.Context, w *Worker, halt <-chan struct{}) {
	defer s.supervisors.Done()

	attempt := 0
	var startedAt time.Time
	for {
		select {
		case <-halt:
			return
		case <-w.Done():
		}

		err := w.LastError()
		if err == nil || w.Status() == WorkerDisposed {
			return
		}
		if !startedAt.IsZero() && time.Since(startedAt) > s.restart.MaxInterval {
			attempt = 0
		}

		for {
			delay := s.restart.NextDelay(attempt)
			attempt++
			s.logger.Warn("worker faulted, restarting",
				"messageType", w.MessageType(),
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)

			timer := time.NewTimer(delay)
			select {
			case <-halt:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err = w.Start(ctx); err == nil {
				startedAt = time.Now()
				break
			}
			if errors.Is(err, ErrWorkerDisposed) {
				return
			}
		}
	}
}

// stopWorkers halts supervision, then stops every worker
func (s *Server) stopWorkers() {
	if s.halt != nil {
		close(s.halt)
		s.supervisors.Wait()
		s.halt = nil
	}

	var wg sync.WaitGroup
	for _, w := range s.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			_ = w.Stop()
		}(w)
	}
	wg.Wait()
}

// Dispose stops the server and releases the producer and the factory
func (s *Server) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() == WorkerDisposed {
		return nil
	}
	s.stopWorkers()
	for _, w := range s.workers {
		_ = w.Dispose()
	}
	s.status.Store(int32(WorkerDisposed))

	var errs []error
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	errs = append(errs, s.factory.Close())
	return errors.Join(errs...)
}

// Producer returns the server's shared producer, creating it on first use
func (s *Server) Producer() (Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() == WorkerDisposed {
		return nil, ErrServerDisposed
	}
	if s.producer == nil {
		p, err := s.factory.CreateProducer()
		if err != nil {
			return nil, fmt.Errorf("failed to create producer: %w", err)
		}
		s.producer = p
	}
	return s.producer, nil
}

// Workers returns the server's workers; empty until the first Start
func (s *Server) Workers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Worker(nil), s.workers...)
}

// RegisteredTypes returns the registered message types in registration order
func (s *Server) RegisteredTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.registrations))
	for _, r := range s.registrations {
		types = append(types, r.messageType)
	}
	return types
}

// GetStats aggregates the counters of every worker
func (s *Server) GetStats() MessageHandlerStats {
	var all []MessageHandlerStats
	for _, w := range s.Workers() {
		all = append(all, w.GetStats())
	}
	stats := CombineStats(all...)
	stats.Name = ""
	return stats
}

// GetHandlerStats aggregates worker counters per message type, in registration order
func (s *Server) GetHandlerStats() []MessageHandlerStats {
	workers := s.Workers()
	result := make([]MessageHandlerStats, 0)
	for _, messageType := range s.RegisteredTypes() {
		var perType []MessageHandlerStats
		for _, w := range workers {
			if w.MessageType() == messageType {
				perType = append(perType, w.GetStats())
			}
		}
		stats := CombineStats(perType...)
		stats.Name = messageType
		result = append(result, stats)
	}
	return result
}

// GetStatsDescription renders the server status and every handler's counters
func (s *Server) GetStatsDescription() string {
	var b strings.Builder
	fmt.Fprintf(&b, "MQ Server Stats\n")
	fmt.Fprintf(&b, "===============\n")
	fmt.Fprintf(&b, "Status: %s\n", s.Status())
	fmt.Fprintf(&b, "Workers: %d\n\n", len(s.Workers()))
	b.WriteString(s.GetStats().String())
	for _, stats := range s.GetHandlerStats() {
		b.WriteString("\n")
		b.WriteString(stats.String())
	}
	return b.String()
}
