// Package rabbitmq provides an AMQP 0.9.1 backend for the messaging core.
//
// Each client owns one channel on a shared connection. Queues are declared
// on first use; Get polls basic.get so a worker stop is observed within one
// poll interval. A Nak republishes the message with the updated header and
// then acks the original, since AMQP cannot change a message in place.
package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-mq/contracts"
	"github.com/glimte/mmate-mq/internal/rabbitmq"
	"github.com/glimte/mmate-mq/messaging"
	"github.com/glimte/mmate-mq/serialization"
)

const (
	// DefaultNotifyQueueSize bounds queues written by Notify
	DefaultNotifyQueueSize = 100

	// DefaultPollInterval is the pause between empty basic.get calls in Get
	DefaultPollInterval = 50 * time.Millisecond

	tempQueueExpiry = 10 * time.Minute
)

type delivery struct {
	client *Client
	gen    uint64
	tag    uint64
	queue  string
	header contracts.Header
	body   []byte
}

func (d *delivery) Queue() string { return d.queue }
func (d *delivery) Header() contracts.Header { return d.header }
func (d *delivery) Body() []byte { return d.body }

// Client is the AMQP messaging.QueueClient
type Client struct {
	manager      *rabbitmq.ConnectionManager
	codec        serialization.Codec
	logger       *slog.Logger
	notifyLimit  int
	deadLetter   bool
	pollInterval time.Duration

	mu       sync.Mutex
	ch       *amqp.Channel
	gen      uint64
	declared map[string]struct{}
	inflight map[uint64]*delivery
	closed   bool
}

var _ messaging.QueueClient = (*Client)(nil)

// NewClient creates a client; its channel is opened on first use
func NewClient(manager *rabbitmq.ConnectionManager, opts ...Option) *Client {
	o := newOptions(opts)
	return &Client{
		manager:      manager,
		codec:        o.codec,
		logger:       o.logger,
		notifyLimit:  o.notifyLimit,
		deadLetter:   o.deadLetter,
		pollInterval: o.pollInterval,
		declared:     make(map[string]struct{}),
		inflight:     make(map[uint64]*delivery),
	}
}

// channelLocked returns an open channel, replacing one the broker closed.
// Deliveries of a replaced channel were requeued by the broker.
func (c *Client) channelLocked() (*amqp.Channel, error) {
	if c.closed {
		return nil, messaging.ErrClientClosed
	}
	if c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return nil, err
	}
	if c.ch != nil {
		c.logger.Warn("channel reopened, unsettled deliveries were returned to their queues",
			"unsettled", len(c.inflight))
	}
	c.ch = ch
	c.gen++
	c.declared = make(map[string]struct{})
	c.inflight = make(map[uint64]*delivery)
	return ch, nil
}

func (c *Client) declareLocked(ch *amqp.Channel, queueName string) error {
	if _, ok := c.declared[queueName]; ok {
		return nil
	}
	durable, args := queueArgs(queueName, c.notifyLimit)
	if _, err := ch.QueueDeclare(queueName, durable, false, false, false, args); err != nil {
		return &rabbitmq.ChannelError{Op: "declare", Queue: queueName, Err: err, Timestamp: time.Now()}
	}
	c.declared[queueName] = struct{}{}
	return nil
}

// Publish implements messaging.QueueClient
func (c *Client) Publish(ctx context.Context, queueName string, msg contracts.Envelope) error {
	return c.send(ctx, "publish", queueName, msg, true)
}

// Notify implements messaging.QueueClient
func (c *Client) Notify(ctx context.Context, queueName string, msg contracts.Envelope) error {
	return c.send(ctx, "notify", queueName, msg, false)
}

func (c *Client) send(ctx context.Context, op, queueName string, msg contracts.Envelope, persistent bool) error {
	header := *msg.GetHeader()
	if header.Type == "" {
		header.Type = contracts.TypeNameOf(msg.GetBody())
	}
	body, err := c.codec.Marshal(msg.GetBody())
	if err != nil {
		return contracts.NewMessagingError(op, queueName, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.publishLocked(ctx, queueName, header, body, persistent); err != nil {
		return contracts.NewMessagingError(op, queueName, err)
	}
	return nil
}

func (c *Client) publishLocked(ctx context.Context, queueName string, header contracts.Header, body []byte, persistent bool) error {
	ch, err := c.channelLocked()
	if err != nil {
		return err
	}
	if err := c.declareLocked(ch, queueName); err != nil {
		return err
	}
	pub, err := toPublishing(header, body, c.codec.ContentType(), persistent)
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, "", queueName, false, false, pub); err != nil {
		return &rabbitmq.ChannelError{Op: "publish", Queue: queueName, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Get implements messaging.QueueClient
func (c *Client) Get(ctx context.Context, queueName string, timeout time.Duration) (messaging.Delivery, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		d, err := c.GetAsync(ctx, queueName)
		if err != nil || d != nil {
			return d, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-ticker.C:
		}
	}
}

// GetAsync implements messaging.QueueClient
func (c *Client) GetAsync(ctx context.Context, queueName string) (messaging.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channelLocked()
	if err != nil {
		return nil, contracts.NewMessagingError("get", queueName, err)
	}
	if err := c.declareLocked(ch, queueName); err != nil {
		return nil, contracts.NewMessagingError("get", queueName, err)
	}

	msg, ok, err := ch.Get(queueName, false)
	if err != nil {
		return nil, contracts.NewMessagingError("get", queueName,
			&rabbitmq.ChannelError{Op: "get", Queue: queueName, Err: err, Timestamp: time.Now()})
	}
	if !ok {
		return nil, nil
	}

	d := &delivery{
		client: c,
		gen:    c.gen,
		tag:    msg.DeliveryTag,
		queue:  queueName,
		header: headerFrom(msg),
		body:   msg.Body,
	}
	c.inflight[d.tag] = d
	return d, nil
}

// Ack implements messaging.QueueClient
func (c *Client) Ack(ctx context.Context, d messaging.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rd, err := c.settleLocked("ack", d)
	if err != nil {
		return err
	}
	if err := c.ch.Ack(rd.tag, false); err != nil {
		return contracts.NewMessagingError("ack", rd.queue, err)
	}
	return nil
}

// Nak implements messaging.QueueClient
func (c *Client) Nak(ctx context.Context, d messaging.Delivery, requeue bool, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rd, err := c.settleLocked("nak", d)
	if err != nil {
		return err
	}

	header := rd.header
	if cause != nil {
		header.Error = contracts.ToResponseStatus(cause)
	}

	target := ""
	switch {
	case requeue:
		header.RetryAttempts++
		target = rd.queue
	case c.deadLetter:
		target = contracts.DeadLetterQueueFor(rd.queue)
	}

	if target == "" {
		if err := c.ch.Nack(rd.tag, false, false); err != nil {
			return contracts.NewMessagingError("nak", rd.queue, err)
		}
		return nil
	}

	// The original stays unacked until the copy is published, so a failure
	// here leaves it to be redelivered by the broker.
	tag, ch := rd.tag, c.ch
	if err := c.publishLocked(ctx, target, header, rd.body, true); err != nil {
		return contracts.NewMessagingError("nak", rd.queue, err)
	}
	if err := ch.Ack(tag, false); err != nil {
		return contracts.NewMessagingError("nak", rd.queue, err)
	}
	return nil
}

func (c *Client) settleLocked(op string, d messaging.Delivery) (*delivery, error) {
	rd, ok := d.(*delivery)
	if !ok || rd.client != c {
		queue := ""
		if d != nil {
			queue = d.Queue()
		}
		return nil, contracts.NewMessagingError(op, queue, messaging.ErrForeignDelivery)
	}
	if rd.gen != c.gen || c.ch == nil || c.ch.IsClosed() {
		return nil, contracts.NewMessagingError(op, rd.queue, rabbitmq.ErrChannelClosed)
	}
	if _, ok := c.inflight[rd.tag]; !ok {
		return nil, contracts.NewMessagingError(op, rd.queue, messaging.ErrAlreadySettled)
	}
	delete(c.inflight, rd.tag)
	return rd, nil
}

// CreateMessage implements messaging.QueueClient
func (c *Client) CreateMessage(d messaging.Delivery, into contracts.Envelope) error {
	if err := c.codec.Unmarshal(d.Body(), into.BodyPtr()); err != nil {
		return err
	}
	*into.GetHeader() = d.Header()
	return nil
}

// GetTempQueueName implements messaging.QueueClient
func (c *Client) GetTempQueueName() string {
	return contracts.NewTempQueueName()
}

// Close closes the channel; the broker requeues unsettled deliveries
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.inflight = make(map[uint64]*delivery)
	if c.ch == nil || c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}
