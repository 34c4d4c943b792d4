package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-mq/contracts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/mmate-mq/messaging"

// HandlerFunc is the user processing callback of a MessageHandler.
// A nil error acknowledges the message; an error wrapped with Terminal
// dead-letters it; any other error requeues it while the retry policy allows.
// A non-nil response is sent to the request's ReplyTo queue, or published to
// the response type's own queue when there is none.
type HandlerFunc[T any] func(ctx context.Context, msg *contracts.Message[T]) (any, error)

// Handler processes the queues of one message type.
// A handler is single-threaded and uses the client it is handed exclusively.
type Handler interface {
	// MessageType returns the type name the handler consumes
	MessageType() string

	// QueueNames returns the queues the handler drains
	QueueNames() contracts.QueueNames

	// Process drains all pending messages, priority lane first
	Process(ctx context.Context, client QueueClient) (int, error)

	// ProcessWhile drains like Process but stops once doNext returns false
	ProcessWhile(ctx context.Context, client QueueClient, doNext func() bool) (int, error)

	// ProcessQueue drains a single queue, stopping early once doNext returns false
	ProcessQueue(ctx context.Context, client QueueClient, queueName string, doNext func() bool) (int, error)

	// ProcessMessage handles one delivery and settles it with Ack or Nak
	ProcessMessage(ctx context.Context, client QueueClient, d Delivery) error

	// GetStats returns a snapshot of the handler's counters
	GetStats() MessageHandlerStats
}

// handlerConfig configures a MessageHandler and the workers that run it
type handlerConfig struct {
	retryPolicy  RetryPolicy
	logger       *slog.Logger
	typeName     string
	names        *contracts.QueueNames
	resolver     contracts.QueueNameResolver
	tracer       trace.Tracer
	interceptors []Interceptor
	workerCount  int
}

// HandlerOption configures a handler
type HandlerOption func(*handlerConfig)

// WithRetryPolicy sets the policy consulted on recoverable failures
func WithRetryPolicy(policy RetryPolicy) HandlerOption {
	return func(c *handlerConfig) {
		c.retryPolicy = policy
	}
}

// WithRetryLimit allows limit redeliveries before a message is dead-lettered
func WithRetryLimit(limit int) HandlerOption {
	return func(c *handlerConfig) {
		c.retryPolicy = NewSimpleRetryPolicy(limit)
	}
}

// WithHandlerLogger sets the logger
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(c *handlerConfig) {
		c.logger = logger
	}
}

// WithMessageType overrides the type name derived from T, and with it the
// queue names. Used for untyped bodies such as json.RawMessage.
func WithMessageType(typeName string) HandlerOption {
	return func(c *handlerConfig) {
		c.typeName = typeName
	}
}

// WithQueueNames overrides the queues derived from the message type
func WithQueueNames(names contracts.QueueNames) HandlerOption {
	return func(c *handlerConfig) {
		c.names = &names
	}
}

// WithResponseResolver sets how responses without ReplyTo are routed
func WithResponseResolver(resolver contracts.QueueNameResolver) HandlerOption {
	return func(c *handlerConfig) {
		c.resolver = resolver
	}
}

// WithTracer sets the tracer used for message spans
func WithTracer(tracer trace.Tracer) HandlerOption {
	return func(c *handlerConfig) {
		c.tracer = tracer
	}
}

// WithInterceptors appends interceptors around the handler func, outermost first
func WithInterceptors(interceptors ...Interceptor) HandlerOption {
	return func(c *handlerConfig) {
		c.interceptors = append(c.interceptors, interceptors...)
	}
}

// WithWorkerCount sets how many workers a Server runs for the handler
func WithWorkerCount(n int) HandlerOption {
	return func(c *handlerConfig) {
		c.workerCount = n
	}
}

func newHandlerConfig(opts []HandlerOption) *handlerConfig {
	cfg := &handlerConfig{
		retryPolicy: NewSimpleRetryPolicy(DefaultRetryLimit),
		logger:      slog.Default(),
		resolver:    contracts.PriorityLaneResolver{},
		workerCount: 1,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer(tracerName)
	}
	if cfg.workerCount < 1 {
		cfg.workerCount = 1
	}
	return cfg
}

// MessageHandler is the Handler for messages with body type T
type MessageHandler[T any] struct {
	call        Next
	typeName    string
	names       contracts.QueueNames
	retryPolicy RetryPolicy
	resolver    contracts.QueueNameResolver
	logger      *slog.Logger
	tracer      trace.Tracer
	counters    handlerCounters
}

// NewMessageHandler creates a handler invoking fn for every message of type T
func NewMessageHandler[T any](fn HandlerFunc[T], opts ...HandlerOption) *MessageHandler[T] {
	return newMessageHandler(fn, newHandlerConfig(opts))
}

func newMessageHandler[T any](fn HandlerFunc[T], cfg *handlerConfig) *MessageHandler[T] {
	typeName := contracts.TypeName[T]()
	if cfg.typeName != "" {
		typeName = cfg.typeName
	}
	names := contracts.NewQueueNames(typeName)
	if cfg.names != nil {
		names = *cfg.names
	}

	final := func(ctx context.Context, env contracts.Envelope) (any, error) {
		msg, ok := env.(*contracts.Message[T])
		if !ok {
			return nil, Terminal(fmt.Errorf("interceptor replaced message with %T", env))
		}
		return fn(ctx, msg)
	}

	return &MessageHandler[T]{
		call:        chain(cfg.interceptors, final),
		typeName:    typeName,
		names:       names,
		retryPolicy: cfg.retryPolicy,
		resolver:    cfg.resolver,
		logger:      cfg.logger.With("messageType", typeName),
		tracer:      cfg.tracer,
	}
}

// MessageType implements Handler
func (h *MessageHandler[T]) MessageType() string {
	return h.typeName
}

// QueueNames implements Handler
func (h *MessageHandler[T]) QueueNames() contracts.QueueNames {
	return h.names
}

// GetStats implements Handler
func (h *MessageHandler[T]) GetStats() MessageHandlerStats {
	return h.counters.snapshot(h.typeName)
}

// Process implements Handler
func (h *MessageHandler[T]) Process(ctx context.Context, client QueueClient) (int, error) {
	return h.ProcessWhile(ctx, client, nil)
}

// ProcessWhile implements Handler. The priority lane is re-checked after
// every default-lane message so late priority arrivals still go first.
func (h *MessageHandler[T]) ProcessWhile(ctx context.Context, client QueueClient, doNext func() bool) (int, error) {
	onlyOne := func() bool { return false }
	total := 0

	for {
		n, err := h.ProcessQueue(ctx, client, h.names.Priority, doNext)
		total += n
		if err != nil {
			return total, err
		}
		if doNext != nil && !doNext() {
			return total, nil
		}

		n, err = h.ProcessQueue(ctx, client, h.names.In, onlyOne)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
		if doNext != nil && !doNext() {
			return total, nil
		}
	}
}

// ProcessQueue implements Handler
func (h *MessageHandler[T]) ProcessQueue(ctx context.Context, client QueueClient, queueName string, doNext func() bool) (int, error) {
	count := 0
	for {
		if ctx.Err() != nil {
			return count, nil
		}

		d, err := client.GetAsync(ctx, queueName)
		if err != nil {
			if IsTimeout(err) {
				return count, nil
			}
			return count, err
		}
		if d == nil {
			return count, nil
		}

		if err := h.ProcessMessage(ctx, client, d); err != nil {
			return count, err
		}
		count++

		if doNext != nil && !doNext() {
			return count, nil
		}
	}
}

// ProcessMessage implements Handler. Callback failures are settled here and
// never returned; only transport faults are.
func (h *MessageHandler[T]) ProcessMessage(ctx context.Context, client QueueClient, d Delivery) error {
	header := d.Header()
	ctx, span := h.tracer.Start(ctx, "ProcessMessage",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", header.ID),
			attribute.String("messaging.message.type", h.typeName),
			attribute.String("messaging.destination.name", d.Queue()),
			attribute.Int("messaging.message.retry_attempts", header.RetryAttempts),
		),
	)
	defer span.End()

	h.counters.received(h.names.IsPriority(d.Queue()))

	msg, err := CreateMessage[T](client, d)
	if err != nil {
		h.logger.Error("failed to decode message, dead-lettering",
			"messageId", header.ID,
			"queue", d.Queue(),
			"error", err,
		)
		span.SetStatus(codes.Error, "decode failed")
		return h.fail(ctx, client, d, nil, Terminal(err))
	}

	response, err := h.invoke(ctx, msg)
	outcome := OutcomeOf(err)
	span.SetAttributes(attribute.String("messaging.outcome", outcome.String()))

	switch outcome {
	case OutcomeSuccess:
		if response != nil {
			if err := h.reply(ctx, client, msg, response); err != nil {
				span.RecordError(err)
				return err
			}
		}
		if err := client.Ack(ctx, d); err != nil {
			span.RecordError(err)
			return err
		}
		h.counters.processed.Add(1)
		h.counters.touch(time.Now())
		return nil

	case OutcomeRecoverable:
		if h.retryPolicy.ShouldRetry(msg.RetryAttempts, err) {
			span.RecordError(err)
			h.logger.Warn("message failed, requeueing",
				"messageId", msg.ID,
				"queue", d.Queue(),
				"retryAttempts", msg.RetryAttempts,
				"error", err,
			)
			if nakErr := client.Nak(ctx, d, true, err); nakErr != nil {
				return nakErr
			}
			h.counters.retries.Add(1)
			h.counters.touch(time.Now())
			return nil
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return h.fail(ctx, client, d, msg, err)
}

// fail settles a terminal failure: error reply first when one is expected,
// then dead-lettering
func (h *MessageHandler[T]) fail(ctx context.Context, client QueueClient, d Delivery, msg *contracts.Message[T], cause error) error {
	h.logger.Error("message failed terminally",
		"messageId", d.Header().ID,
		"queue", d.Queue(),
		"retryAttempts", d.Header().RetryAttempts,
		"error", cause,
	)

	if msg != nil && msg.ReplyTo != "" {
		status := contracts.ToResponseStatus(cause)
		reply := contracts.NewMessage(contracts.ErrorResponse{ResponseStatus: status},
			contracts.WithReplyID(msg.ID),
			contracts.WithTag(msg.Tag),
		)
		reply.Error = status
		if err := client.Publish(ctx, msg.ReplyTo, reply); err != nil {
			return err
		}
	}

	if err := client.Nak(ctx, d, false, cause); err != nil {
		return err
	}
	h.counters.failed.Add(1)
	h.counters.touch(time.Now())
	return nil
}

// reply routes a callback response
func (h *MessageHandler[T]) reply(ctx context.Context, client QueueClient, request *contracts.Message[T], response any) error {
	env, ok := response.(contracts.Envelope)
	if !ok {
		msg := contracts.NewMessage[any](response)
		msg.Type = contracts.TypeNameOf(response)
		env = msg
	}

	header := env.GetHeader()
	header.ReplyID = request.ID
	if header.Tag == "" {
		header.Tag = request.Tag
	}

	if request.ReplyTo != "" {
		return client.Publish(ctx, request.ReplyTo, env)
	}

	names := contracts.NewQueueNames(header.Type)
	if request.Options.Has(contracts.OptionNotifyOneWay) {
		return client.Notify(ctx, names.Out, env)
	}
	return client.Publish(ctx, h.resolver.ResolveQueueName(names, header.Priority), env)
}

func (h *MessageHandler[T]) invoke(ctx context.Context, msg *contracts.Message[T]) (response any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.call(ctx, msg)
}
