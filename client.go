// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-mq/config"
	"github.com/glimte/mmate-mq/contracts"
	"github.com/glimte/mmate-mq/messaging"
	"github.com/glimte/mmate-mq/monitor"
	"github.com/glimte/mmate-mq/transports/memory"
	"github.com/glimte/mmate-mq/transports/rabbitmq"
	"github.com/glimte/mmate-mq/transports/redis"
)

var errQueueDepth = errors.New("mmate: queue depth is unavailable for a custom factory")

// Client is the main entry point: a messaging server on the configured
// backend together with its health checks and metrics
type Client struct {
	cfg       *config.Config
	logger    *slog.Logger
	factory   messaging.ClientFactory
	server    *messaging.Server
	health    *monitor.Registry
	collector *monitor.StatsCollector
	depth     monitor.DepthFunc
}

// clientConfig holds client configuration
type clientConfig struct {
	logger        *slog.Logger
	factory       messaging.ClientFactory
	serverOptions []messaging.ServerOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components; by default it is built
// from the logger section of the configuration
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithFactory bypasses the configured transport
func WithFactory(factory messaging.ClientFactory) ClientOption {
	return func(cfg *clientConfig) {
		cfg.factory = factory
	}
}

// WithServerOptions appends options applied after the configured ones
func WithServerOptions(opts ...messaging.ServerOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serverOptions = append(cfg.serverOptions, opts...)
	}
}

// NewClient connects to the backend named by cfg and creates a stopped server on it
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cc := &clientConfig{}
	for _, opt := range options {
		opt(cc)
	}
	if cc.logger == nil {
		cc.logger = config.NewLogger(cfg.Logger)
	}

	c := &Client{
		cfg:    cfg,
		logger: cc.logger,
		health: monitor.NewRegistry(),
	}
	c.health.SetMetadata("transport", string(cfg.Transport))

	if cc.factory != nil {
		c.factory = cc.factory
	} else if err := c.dial(ctx); err != nil {
		return nil, err
	}

	serverOpts := append([]messaging.ServerOption{
		messaging.WithServerLogger(c.logger),
		messaging.WithServerPollTimeout(cfg.Server.PollTimeout),
		messaging.WithDefaultRetryLimit(cfg.Server.Retries()),
		messaging.WithDefaultWorkerCount(cfg.Server.WorkerCount),
	}, cc.serverOptions...)
	c.server = messaging.NewServer(c.factory, serverOpts...)

	c.collector = monitor.NewStatsCollector(c.server)
	c.health.Register(monitor.NewWorkerChecker(c.server))
	return c, nil
}

// dial creates the factory of the configured transport and its health checks
func (c *Client) dial(ctx context.Context) error {
	cfg := c.cfg
	switch cfg.Transport {
	case config.TransportMemory, "":
		broker := memory.NewBroker(
			memory.WithNotifyQueueSize(cfg.Server.NotifyQueueSize),
			memory.WithDeadLetter(cfg.Server.DeadLetterEnabled()),
			memory.WithBrokerLogger(c.logger),
		)
		c.factory = memory.NewFactory(broker, memory.WithLogger(c.logger))
		c.depth = monitor.MemoryDepth(broker)

	case config.TransportRedis:
		factory, err := redis.Dial(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
			redis.WithLogger(c.logger),
			redis.WithNotifyQueueSize(cfg.Server.NotifyQueueSize),
			redis.WithDeadLetter(cfg.Server.DeadLetterEnabled()),
			redis.WithAckTTL(cfg.Redis.AckTTL),
		)
		if err != nil {
			return err
		}
		c.factory = factory
		c.depth = monitor.RedisDepth(factory.Redis())
		c.health.Register(monitor.NewRedisChecker(factory.Redis()))

	case config.TransportRabbitMQ:
		factory, err := rabbitmq.Dial(ctx, cfg.RabbitMQ.URL,
			rabbitmq.WithLogger(c.logger),
			rabbitmq.WithNotifyQueueSize(cfg.Server.NotifyQueueSize),
			rabbitmq.WithDeadLetter(cfg.Server.DeadLetterEnabled()),
			rabbitmq.WithPollInterval(cfg.RabbitMQ.PollInterval),
		)
		if err != nil {
			return err
		}
		c.factory = factory
		c.depth = monitor.AMQPDepth(factory.Manager())
		c.health.Register(monitor.NewAMQPChecker(factory.Manager()))

	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	c.logger.Info("transport ready", "transport", cfg.Transport)
	return nil
}

// Server returns the messaging server
func (c *Client) Server() *messaging.Server {
	return c.server
}

// Factory returns the backend's client factory
func (c *Client) Factory() messaging.ClientFactory {
	return c.factory
}

// Producer returns the server's shared producer
func (c *Client) Producer() (messaging.Producer, error) {
	return c.server.Producer()
}

// Health returns the health check registry
func (c *Client) Health() *monitor.Registry {
	return c.health
}

// RegisterMetrics registers the stats collector with registerer, or the
// default registerer when nil
func (c *Client) RegisterMetrics(registerer prometheus.Registerer) error {
	return c.collector.Register(registerer)
}

// WatchDeadLetters adds a health check that degrades once the dead-letter
// queue of messageType holds more than warnAt messages. It needs the
// depth of a configured transport.
func (c *Client) WatchDeadLetters(messageType string, warnAt int64) error {
	if c.depth == nil {
		return errQueueDepth
	}
	names := contracts.NewQueueNames(messageType)
	c.health.Register(monitor.NewQueueDepthChecker(names.Dlq, c.depth, warnAt))
	return nil
}

// QueueDepth is the number of messages waiting in one queue
type QueueDepth struct {
	Queue    string
	Messages int64
}

// QueueDepths reports the depth of every queue of messageType
func (c *Client) QueueDepths(ctx context.Context, messageType string) ([]QueueDepth, error) {
	if c.depth == nil {
		return nil, errQueueDepth
	}
	names := contracts.NewQueueNames(messageType)
	var depths []QueueDepth
	for _, q := range []string{names.Priority, names.In, names.Out, names.Dlq} {
		n, err := c.depth(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to measure %s: %w", q, err)
		}
		depths = append(depths, QueueDepth{Queue: q, Messages: n})
	}
	return depths, nil
}

// Start starts the server
func (c *Client) Start(ctx context.Context) error {
	return c.server.Start(ctx)
}

// Close disposes the server, which closes the backend
func (c *Client) Close() error {
	return c.server.Dispose()
}
