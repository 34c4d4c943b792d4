package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-mq/contracts"
	"github.com/glimte/mmate-mq/messaging"
	"github.com/glimte/mmate-mq/serialization"
)

// delivery is a frame handed to one client and not settled yet
type delivery struct {
	client *Client
	tag    uint64
	queue  string
	frame  frame
}

func (d *delivery) Queue() string { return d.queue }
func (d *delivery) Header() contracts.Header { return d.frame.header }
func (d *delivery) Body() []byte { return d.frame.body }

// Client is the in-memory messaging.QueueClient
type Client struct {
	broker *Broker
	codec  serialization.Codec
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	nextTag  uint64
	inflight map[uint64]*delivery
}

var (
	_ messaging.QueueClient = (*Client)(nil)
	_ messaging.QueueWaiter = (*Client)(nil)
)

// NewClient creates a client on broker
func NewClient(broker *Broker, opts ...Option) *Client {
	cfg := newOptions(opts)
	return &Client{
		broker:   broker,
		codec:    cfg.codec,
		logger:   cfg.logger,
		inflight: make(map[uint64]*delivery),
	}
}

// Publish implements messaging.QueueClient
func (c *Client) Publish(ctx context.Context, queueName string, msg contracts.Envelope) error {
	return c.send(ctx, "publish", queueName, msg, false)
}

// Notify implements messaging.QueueClient
func (c *Client) Notify(ctx context.Context, queueName string, msg contracts.Envelope) error {
	return c.send(ctx, "notify", queueName, msg, true)
}

func (c *Client) send(ctx context.Context, op, queueName string, msg contracts.Envelope, bounded bool) error {
	if c.isClosed() {
		return contracts.NewMessagingError(op, queueName, messaging.ErrClientClosed)
	}
	if err := ctx.Err(); err != nil {
		return contracts.NewMessagingError(op, queueName, err)
	}
	f, err := encode(c.codec, msg)
	if err != nil {
		return contracts.NewMessagingError(op, queueName, err)
	}
	c.broker.push(queueName, f, bounded)
	return nil
}

// Get implements messaging.QueueClient
func (c *Client) Get(ctx context.Context, queueName string, timeout time.Duration) (messaging.Delivery, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		d, changed, err := c.receive(queueName)
		if err != nil || d != nil {
			return d, err
		}

		select {
		case <-changed:
		case <-timer:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitAny implements messaging.QueueWaiter
func (c *Client) WaitAny(ctx context.Context, queueNames []string, timeout time.Duration) (bool, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		if c.isClosed() {
			return false, contracts.NewMessagingError("wait", "", messaging.ErrClientClosed)
		}
		waiting, changed := c.broker.pending(queueNames)
		if waiting {
			return true, nil
		}

		select {
		case <-changed:
		case <-timer:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// GetAsync implements messaging.QueueClient
func (c *Client) GetAsync(ctx context.Context, queueName string) (messaging.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, _, err := c.receive(queueName)
	return d, err
}

func (c *Client) receive(queueName string) (messaging.Delivery, <-chan struct{}, error) {
	if c.isClosed() {
		return nil, nil, contracts.NewMessagingError("get", queueName, messaging.ErrClientClosed)
	}
	f, ok, changed := c.broker.pop(queueName)
	if !ok {
		return nil, changed, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTag++
	d := &delivery{client: c, tag: c.nextTag, queue: queueName, frame: f}
	c.inflight[d.tag] = d
	return d, nil, nil
}

// Ack implements messaging.QueueClient
func (c *Client) Ack(ctx context.Context, d messaging.Delivery) error {
	md, err := c.settle("ack", d)
	if err != nil {
		return err
	}
	c.broker.ack(md.frame.header.ID)
	return nil
}

// Nak implements messaging.QueueClient
func (c *Client) Nak(ctx context.Context, d messaging.Delivery, requeue bool, cause error) error {
	md, err := c.settle("nak", d)
	if err != nil {
		return err
	}

	f := md.frame
	if cause != nil {
		f.header.Error = contracts.ToResponseStatus(cause)
	}

	if requeue {
		f.header.RetryAttempts++
		c.broker.push(md.queue, f, false)
		return nil
	}

	if c.broker.deadLetter {
		c.broker.push(contracts.DeadLetterQueueFor(md.queue), f, false)
	} else {
		c.logger.Debug("dropping terminally failed message", "messageId", f.header.ID, "queue", md.queue)
	}
	return nil
}

func (c *Client) settle(op string, d messaging.Delivery) (*delivery, error) {
	md, ok := d.(*delivery)
	if !ok || md.client != c {
		return nil, contracts.NewMessagingError(op, queueOf(d), messaging.ErrForeignDelivery)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[md.tag]; !ok {
		return nil, contracts.NewMessagingError(op, md.queue, messaging.ErrAlreadySettled)
	}
	delete(c.inflight, md.tag)
	return md, nil
}

// CreateMessage implements messaging.QueueClient
func (c *Client) CreateMessage(d messaging.Delivery, into contracts.Envelope) error {
	return decode(c.codec, d.Header(), d.Body(), into)
}

// GetTempQueueName implements messaging.QueueClient
func (c *Client) GetTempQueueName() string {
	return contracts.NewTempQueueName()
}

// Close returns unsettled deliveries to the head of their queues
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	inflight := c.inflight
	c.inflight = make(map[uint64]*delivery)
	c.mu.Unlock()

	for _, d := range inflight {
		c.broker.pushFront(d.queue, d.frame)
	}
	if len(inflight) > 0 {
		c.logger.Debug("returned unsettled messages", "count", len(inflight))
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func encode(codec serialization.Codec, msg contracts.Envelope) (frame, error) {
	header := *msg.GetHeader()
	if header.Type == "" {
		header.Type = contracts.TypeNameOf(msg.GetBody())
	}
	body, err := codec.Marshal(msg.GetBody())
	if err != nil {
		return frame{}, err
	}
	return frame{header: header, body: body}, nil
}

func decode(codec serialization.Codec, header contracts.Header, body []byte, into contracts.Envelope) error {
	if err := codec.Unmarshal(body, into.BodyPtr()); err != nil {
		return fmt.Errorf("message %s: %w", header.ID, err)
	}
	*into.GetHeader() = header
	return nil
}

func queueOf(d messaging.Delivery) string {
	if d == nil {
		return ""
	}
	return d.Queue()
}
