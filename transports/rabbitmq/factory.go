package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-mq/contracts"
	"github.com/glimte/mmate-mq/internal/rabbitmq"
	"github.com/glimte/mmate-mq/messaging"
	"github.com/glimte/mmate-mq/serialization"
)

type options struct {
	codec        serialization.Codec
	resolver     contracts.QueueNameResolver
	logger       *slog.Logger
	notifyLimit  int
	deadLetter   bool
	pollInterval time.Duration
}

// Option configures clients, producers and factories
type Option func(*options)

// WithCodec sets the body codec
func WithCodec(codec serialization.Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// WithResolver sets the priority lane routing of Producer.Publish
func WithResolver(resolver contracts.QueueNameResolver) Option {
	return func(o *options) {
		o.resolver = resolver
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithNotifyQueueSize sets the x-max-length of notify queues
func WithNotifyQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.notifyLimit = n
		}
	}
}

// WithDeadLetter toggles routing of terminally failed messages to dead-letter queues
func WithDeadLetter(enabled bool) Option {
	return func(o *options) {
		o.deadLetter = enabled
	}
}

// WithPollInterval sets the pause between empty basic.get calls
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		codec:        serialization.JSONCodec{},
		resolver:     contracts.PriorityLaneResolver{},
		logger:       slog.Default(),
		notifyLimit:  DefaultNotifyQueueSize,
		deadLetter:   true,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Producer publishes on a channel of its own; safe for concurrent use
type Producer struct {
	client   *Client
	resolver contracts.QueueNameResolver
}

var _ messaging.Producer = (*Producer)(nil)

// NewProducer creates a producer on manager's connection
func NewProducer(manager *rabbitmq.ConnectionManager, opts ...Option) *Producer {
	return &Producer{
		client:   NewClient(manager, opts...),
		resolver: newOptions(opts).resolver,
	}
}

// Publish implements messaging.Producer
func (p *Producer) Publish(ctx context.Context, msg contracts.Envelope) error {
	queueName, err := messaging.RouteMessage(p.resolver, msg)
	if err != nil {
		return contracts.NewMessagingError("publish", "", err)
	}
	return p.client.Publish(ctx, queueName, msg)
}

// PublishTo implements messaging.Producer
func (p *Producer) PublishTo(ctx context.Context, queueName string, msg contracts.Envelope) error {
	return p.client.Publish(ctx, queueName, msg)
}

// Notify implements messaging.Producer
func (p *Producer) Notify(ctx context.Context, queueName string, msg contracts.Envelope) error {
	return p.client.Notify(ctx, queueName, msg)
}

// Close implements messaging.Producer
func (p *Producer) Close() error {
	return p.client.Close()
}

// Factory creates clients sharing one AMQP connection
type Factory struct {
	manager *rabbitmq.ConnectionManager
	opts    []Option
	owns    bool
}

var _ messaging.ClientFactory = (*Factory)(nil)

// NewFactory creates a factory on a connected manager, which it does not close
func NewFactory(manager *rabbitmq.ConnectionManager, opts ...Option) *Factory {
	return &Factory{manager: manager, opts: opts}
}

// Dial connects to the broker at url; the connection is re-dialed if it drops
func Dial(ctx context.Context, url string, opts ...Option) (*Factory, error) {
	o := newOptions(opts)
	manager := rabbitmq.NewConnectionManager(url, rabbitmq.WithLogger(o.logger))
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	return &Factory{manager: manager, opts: opts, owns: true}, nil
}

// Manager returns the underlying connection manager
func (f *Factory) Manager() *rabbitmq.ConnectionManager {
	return f.manager
}

// CreateQueueClient implements messaging.ClientFactory
func (f *Factory) CreateQueueClient() (messaging.QueueClient, error) {
	if !f.manager.IsConnected() {
		return nil, rabbitmq.ErrConnectionNotReady
	}
	return NewClient(f.manager, f.opts...), nil
}

// CreateProducer implements messaging.ClientFactory
func (f *Factory) CreateProducer() (messaging.Producer, error) {
	if !f.manager.IsConnected() {
		return nil, rabbitmq.ErrConnectionNotReady
	}
	return NewProducer(f.manager, f.opts...), nil
}

// Close implements messaging.ClientFactory
func (f *Factory) Close() error {
	if !f.owns {
		return nil
	}
	return f.manager.Close()
}
