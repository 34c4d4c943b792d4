package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-mq/contracts"
	"github.com/glimte/mmate-mq/messaging"
	"github.com/glimte/mmate-mq/serialization"
)

type options struct {
	codec       serialization.Codec
	resolver    contracts.QueueNameResolver
	logger      *slog.Logger
	notifyLimit int
	deadLetter  bool
	ackTTL      time.Duration
	leaseTTL    time.Duration
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

// WithNotifyQueueSize sets the bound of notify queues
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

// WithAckTTL sets how long acked IDs are remembered
func WithAckTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ackTTL = ttl
		}
	}
}

// WithLeaseTTL sets how long a consumer's in-flight messages survive it
// before other clients return them to their queues. Values under a second
// are ignored.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl >= time.Second {
			o.leaseTTL = ttl
		}
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		codec:       serialization.JSONCodec{},
		resolver:    contracts.PriorityLaneResolver{},
		logger:      slog.Default(),
		notifyLimit: DefaultNotifyQueueSize,
		deadLetter:  true,
		ackTTL:      DefaultAckTTL,
		leaseTTL:    DefaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config holds the connection settings used by Dial
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Producer publishes through a shared Redis connection; safe for concurrent use
type Producer struct {
	client   *Client
	resolver contracts.QueueNameResolver
}

var _ messaging.Producer = (*Producer)(nil)

// NewProducer creates a producer on rdb
func NewProducer(rdb redis.UniversalClient, opts ...Option) *Producer {
	return &Producer{
		client:   NewClient(rdb, opts...),
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

// Factory creates clients sharing one Redis connection pool
type Factory struct {
	rdb  redis.UniversalClient
	opts []Option
	owns bool
}

var _ messaging.ClientFactory = (*Factory)(nil)

// NewFactory creates a factory on an existing connection, which it does not close
func NewFactory(rdb redis.UniversalClient, opts ...Option) *Factory {
	return &Factory{rdb: rdb, opts: opts}
}

// Dial connects to Redis and verifies the connection
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Factory, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Factory{rdb: rdb, opts: opts, owns: true}, nil
}

// Redis returns the underlying connection
func (f *Factory) Redis() redis.UniversalClient {
	return f.rdb
}

// CreateQueueClient implements messaging.ClientFactory
func (f *Factory) CreateQueueClient() (messaging.QueueClient, error) {
	return NewClient(f.rdb, f.opts...), nil
}

// CreateProducer implements messaging.ClientFactory
func (f *Factory) CreateProducer() (messaging.Producer, error) {
	return NewProducer(f.rdb, f.opts...), nil
}

// Close implements messaging.ClientFactory
func (f *Factory) Close() error {
	if !f.owns {
		return nil
	}
	return f.rdb.Close()
}
