package memory

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-mq/contracts"
	"github.com/glimte/mmate-mq/messaging"
	"github.com/glimte/mmate-mq/serialization"
)

type options struct {
	codec    serialization.Codec
	resolver contracts.QueueNameResolver
	logger   *slog.Logger
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

func newOptions(opts []Option) *options {
	o := &options{
		codec:    serialization.JSONCodec{},
		resolver: contracts.PriorityLaneResolver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Producer publishes straight onto the broker; safe for concurrent use
type Producer struct {
	client *Client
	opts   *options
}

var _ messaging.Producer = (*Producer)(nil)

// NewProducer creates a producer on broker
func NewProducer(broker *Broker, opts ...Option) *Producer {
	return &Producer{
		client: NewClient(broker, opts...),
		opts:   newOptions(opts),
	}
}

// Publish implements messaging.Producer
func (p *Producer) Publish(ctx context.Context, msg contracts.Envelope) error {
	queueName, err := messaging.RouteMessage(p.opts.resolver, msg)
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

// Factory creates clients and producers sharing one broker
type Factory struct {
	broker *Broker
	opts   []Option
}

var _ messaging.ClientFactory = (*Factory)(nil)

// NewFactory creates a factory for broker
func NewFactory(broker *Broker, opts ...Option) *Factory {
	return &Factory{broker: broker, opts: opts}
}

// Broker returns the factory's broker
func (f *Factory) Broker() *Broker {
	return f.broker
}

// CreateQueueClient implements messaging.ClientFactory
func (f *Factory) CreateQueueClient() (messaging.QueueClient, error) {
	return NewClient(f.broker, f.opts...), nil
}

// CreateProducer implements messaging.ClientFactory
func (f *Factory) CreateProducer() (messaging.Producer, error) {
	return NewProducer(f.broker, f.opts...), nil
}

// Close implements messaging.ClientFactory
func (f *Factory) Close() error {
	return nil
}
