package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-mq/contracts"
)

// Next continues the interceptor chain towards the handler func
type Next func(ctx context.Context, msg contracts.Envelope) (any, error)

// Interceptor wraps handler invocation. It may change ctx, skip next and
// answer itself, or inspect the result of next.
type Interceptor interface {
	Intercept(ctx context.Context, msg contracts.Envelope, next Next) (any, error)

	// Name identifies the interceptor in logs
	Name() string
}

// InterceptorFunc adapts a function to Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg contracts.Envelope, next Next) (any, error)
}

// NewInterceptorFunc creates a named interceptor from fn
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg contracts.Envelope, next Next) (any, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg contracts.Envelope, next Next) (any, error) {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// chain builds the invocation path; the first interceptor runs outermost
func chain(interceptors []Interceptor, final Next) Next {
	next := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor, inner := interceptors[i], next
		next = func(ctx context.Context, msg contracts.Envelope) (any, error) {
			return interceptor.Intercept(ctx, msg, inner)
		}
	}
	return next
}

// LoggingInterceptor logs each invocation with its duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor; nil means slog.Default()
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg contracts.Envelope, next Next) (any, error) {
	h := msg.GetHeader()
	start := time.Now()
	i.logger.Debug("processing message", "messageId", h.ID, "messageType", h.Type, "retryAttempts", h.RetryAttempts)

	response, err := next(ctx, msg)
	if err != nil {
		i.logger.Warn("message handler failed",
			"messageId", h.ID,
			"messageType", h.Type,
			"duration", time.Since(start),
			"error", err,
		)
		return response, err
	}
	i.logger.Debug("message handled", "messageId", h.ID, "messageType", h.Type, "duration", time.Since(start))
	return response, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string { return "logging" }

// TimeoutInterceptor bounds the handler by a deadline. A handler that
// overruns it fails recoverably with context.DeadlineExceeded.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg contracts.Envelope, next Next) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	response, err := next(ctx, msg)
	if err == nil && ctx.Err() != nil {
		return nil, fmt.Errorf("handler exceeded %s: %w", i.timeout, ctx.Err())
	}
	return response, err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string { return "timeout" }

// ValidationInterceptor rejects invalid messages terminally before the handler runs
type ValidationInterceptor struct {
	validate func(msg contracts.Envelope) error
}

// NewValidationInterceptor creates a validation interceptor
func NewValidationInterceptor(validate func(msg contracts.Envelope) error) *ValidationInterceptor {
	return &ValidationInterceptor{validate: validate}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, msg contracts.Envelope, next Next) (any, error) {
	if err := i.validate(msg); err != nil {
		return nil, Terminal(fmt.Errorf("validation failed: %w", err))
	}
	return next(ctx, msg)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string { return "validation" }

// FilterInterceptor skips messages the predicate rejects. Skipped messages
// count as processed and are acked without a reply.
type FilterInterceptor struct {
	accept func(msg contracts.Envelope) bool
}

// NewFilterInterceptor creates a filter interceptor
func NewFilterInterceptor(accept func(msg contracts.Envelope) bool) *FilterInterceptor {
	return &FilterInterceptor{accept: accept}
}

// Intercept implements Interceptor
func (i *FilterInterceptor) Intercept(ctx context.Context, msg contracts.Envelope, next Next) (any, error) {
	if !i.accept(msg) {
		return nil, nil
	}
	return next(ctx, msg)
}

// Name implements Interceptor
func (i *FilterInterceptor) Name() string { return "filter" }

// TagFilter accepts messages carrying one of tags
func TagFilter(tags ...string) func(msg contracts.Envelope) bool {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return func(msg contracts.Envelope) bool {
		_, ok := set[msg.GetHeader().Tag]
		return ok
	}
}
