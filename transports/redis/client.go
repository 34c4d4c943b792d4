// Package redis provides a Redis-list backend for the messaging core.
//
// Each queue is a list: producers LPUSH encoded frames and consumers move
// them with LMOVE/BLMOVE from the right end onto an in-flight list of their
// own, so a message is never lost between receive and Ack. Ack removes it
// from the in-flight list and remembers its ID for a while; Nak moves it back
// onto its queue or onto the dead-letter queue.
//
// A consuming client holds a lease it refreshes in the background. In-flight
// lists whose lease expired belong to a crashed process; live clients move
// their messages back onto their queues.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-mq/contracts"
	"github.com/glimte/mmate-mq/messaging"
	"github.com/glimte/mmate-mq/serialization"
)

// Key prefixes
const (
	prefixInflight = "mq:inflight:"
	prefixLease    = "mq:lease:"
	prefixAcked    = "mq:acked:"

	// keyInflightIndex is the set of every registered in-flight list
	keyInflightIndex = "mq:inflight-index"
)

const (
	// DefaultAckTTL is how long acked IDs are remembered to filter duplicates
	DefaultAckTTL = 24 * time.Hour

	// DefaultNotifyQueueSize bounds queues written by Notify
	DefaultNotifyQueueSize = 100

	// DefaultLeaseTTL is how long an in-flight list outlives its last lease refresh
	DefaultLeaseTTL = 30 * time.Second

	// blockSlice is the BLMOVE timeout; Get re-checks ctx between slices.
	// Redis blocks in whole seconds, so waits shorter than a slice poll.
	blockSlice = time.Second

	pollInterval = 25 * time.Millisecond
)

// frame is the stored form of a message
type frame struct {
	Header contracts.Header `json:"header"`
	Body   []byte           `json:"body"`
}

// returnScript moves a frame out of an in-flight list onto a queue only if
// it is still there, so a reclaimed message is never returned twice.
// ARGV: original frame, frame to push, "head" or "tail".
var returnScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
if ARGV[3] == 'head' then
	redis.call('RPUSH', KEYS[2], ARGV[2])
else
	redis.call('LPUSH', KEYS[2], ARGV[2])
end
return 1
`)

type delivery struct {
	client   *Client
	queue    string
	inflight string
	raw      string
	frame    frame
	err      error
}

func (d *delivery) Queue() string { return d.queue }
func (d *delivery) Header() contracts.Header { return d.frame.Header }
func (d *delivery) Body() []byte { return d.frame.Body }

// Client is the Redis messaging.QueueClient
type Client struct {
	rdb         redis.UniversalClient
	codec       serialization.Codec
	logger      *slog.Logger
	notifyLimit int64
	deadLetter  bool
	ackTTL      time.Duration
	leaseTTL    time.Duration
	id          string

	mu         sync.Mutex
	closed     bool
	inflight   map[*delivery]struct{}
	registered map[string]struct{}
	stopLease  context.CancelFunc
	leaseDone  chan struct{}
	sub        *redis.PubSub
	notes      <-chan *redis.Message
}

var (
	_ messaging.QueueClient = (*Client)(nil)
	_ messaging.QueueWaiter = (*Client)(nil)
)

// NewClient creates a client on rdb with in-flight lists of its own
func NewClient(rdb redis.UniversalClient, opts ...Option) *Client {
	o := newOptions(opts)
	return &Client{
		rdb:         rdb,
		codec:       o.codec,
		logger:      o.logger,
		notifyLimit: int64(o.notifyLimit),
		deadLetter:  o.deadLetter,
		ackTTL:      o.ackTTL,
		leaseTTL:    o.leaseTTL,
		id:          contracts.NewTempQueueName()[len(contracts.TempQueuePrefix):],
		inflight:    make(map[*delivery]struct{}),
		registered:  make(map[string]struct{}),
	}
}

// InflightKey returns the list holding this client's unsettled messages of queueName
func (c *Client) InflightKey(queueName string) string {
	return prefixInflight + c.id + ":" + queueName
}

func (c *Client) leaseKey() string {
	return prefixLease + c.id
}

// parseInflightKey splits an in-flight list name into its owner and queue
func parseInflightKey(key string) (owner, queueName string, ok bool) {
	rest, found := strings.CutPrefix(key, prefixInflight)
	if !found {
		return "", "", false
	}
	return strings.Cut(rest, ":")
}

// Publish implements messaging.QueueClient
func (c *Client) Publish(ctx context.Context, queueName string, msg contracts.Envelope) error {
	raw, err := c.encode(msg)
	if err != nil {
		return contracts.NewMessagingError("publish", queueName, err)
	}
	if err := c.checkOpen("publish", queueName); err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, queueName, raw)
		pipe.Publish(ctx, contracts.TopicIn, queueName)
		return nil
	})
	if err != nil {
		return contracts.NewMessagingError("publish", queueName, err)
	}
	return nil
}

// Notify implements messaging.QueueClient
func (c *Client) Notify(ctx context.Context, queueName string, msg contracts.Envelope) error {
	raw, err := c.encode(msg)
	if err != nil {
		return contracts.NewMessagingError("notify", queueName, err)
	}
	if err := c.checkOpen("notify", queueName); err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, queueName, raw)
		pipe.LTrim(ctx, queueName, 0, c.notifyLimit-1)
		pipe.Publish(ctx, contracts.TopicOut, queueName)
		return nil
	})
	if err != nil {
		return contracts.NewMessagingError("notify", queueName, err)
	}
	return nil
}

// Get implements messaging.QueueClient. Timeouts of a second or more block
// in BLMOVE slices and may overrun by up to a slice; shorter ones poll.
func (c *Client) Get(ctx context.Context, queueName string, timeout time.Duration) (messaging.Delivery, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	block := blockSlice
	if timeout > 0 && timeout < blockSlice {
		block = 0
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, nil
		}

		d, err := c.receive(ctx, queueName, block)
		if err != nil || d != nil {
			return d, err
		}
		if block > 0 {
			continue
		}

		wait := pollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitAny implements messaging.QueueWaiter. It wakes on the publish
// notifications of the listed queues instead of polling them.
func (c *Client) WaitAny(ctx context.Context, queueNames []string, timeout time.Duration) (bool, error) {
	if err := c.checkOpen("wait", ""); err != nil {
		return false, err
	}
	notes, err := c.notifications(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, contracts.NewMessagingError("wait", "", err)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		cmds, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, q := range queueNames {
				pipe.LLen(ctx, q)
			}
			return nil
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			return false, contracts.NewMessagingError("wait", "", err)
		}
		for _, cmd := range cmds {
			if n, _ := cmd.(*redis.IntCmd).Result(); n > 0 {
				return true, nil
			}
		}

	wait:
		for {
			select {
			case m, ok := <-notes:
				if !ok {
					return false, contracts.NewMessagingError("wait", "", messaging.ErrClientClosed)
				}
				if slices.Contains(queueNames, m.Payload) {
					break wait
				}
			case <-timer:
				return false, nil
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}
}

// notifications subscribes to publish notifications on first use. The
// subscription is confirmed before returning so no later publish is missed.
func (c *Client) notifications(ctx context.Context) (<-chan *redis.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notes != nil {
		return c.notes, nil
	}

	sub := c.rdb.Subscribe(ctx, contracts.TopicIn)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	c.sub = sub
	c.notes = sub.Channel()
	return c.notes, nil
}

// GetAsync implements messaging.QueueClient
func (c *Client) GetAsync(ctx context.Context, queueName string) (messaging.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.receive(ctx, queueName, 0)
}

func (c *Client) receive(ctx context.Context, queueName string, block time.Duration) (messaging.Delivery, error) {
	if err := c.checkOpen("get", queueName); err != nil {
		return nil, err
	}
	inflightKey := c.InflightKey(queueName)
	if err := c.register(ctx, inflightKey); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, contracts.NewMessagingError("get", queueName, err)
	}

	for {
		var raw string
		var err error
		if block > 0 {
			raw, err = c.rdb.BLMove(ctx, queueName, inflightKey, "RIGHT", "LEFT", block).Result()
		} else {
			raw, err = c.rdb.LMove(ctx, queueName, inflightKey, "RIGHT", "LEFT").Result()
		}
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, contracts.NewMessagingError("get", queueName, err)
		}

		d := &delivery{client: c, queue: queueName, inflight: inflightKey, raw: raw}
		if err := json.Unmarshal([]byte(raw), &d.frame); err != nil {
			d.err = fmt.Errorf("invalid frame on %s: %w", queueName, err)
		} else if c.wasAcked(ctx, d.frame.Header.ID) {
			c.rdb.LRem(ctx, inflightKey, 1, raw)
			continue
		}

		c.mu.Lock()
		c.inflight[d] = struct{}{}
		c.mu.Unlock()
		return d, nil
	}
}

// register indexes an in-flight list under the client's lease before it is
// first used, and starts refreshing the lease
func (c *Client) register(ctx context.Context, inflightKey string) error {
	c.mu.Lock()
	_, ok := c.registered[inflightKey]
	c.mu.Unlock()
	if ok {
		return nil
	}

	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.leaseKey(), 1, c.leaseTTL)
		pipe.SAdd(ctx, keyInflightIndex, inflightKey)
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered[inflightKey] = struct{}{}
	if c.stopLease == nil && !c.closed {
		leaseCtx, cancel := context.WithCancel(context.Background())
		c.stopLease = cancel
		c.leaseDone = make(chan struct{})
		go c.keepLease(leaseCtx, c.leaseDone)
	}
	return nil
}

// keepLease refreshes the lease and reclaims the lists of expired ones
func (c *Client) keepLease(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		keys := make([]any, 0, len(c.registered))
		for k := range c.registered {
			keys = append(keys, k)
		}
		c.mu.Unlock()

		_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.leaseKey(), 1, c.leaseTTL)
			pipe.SAdd(ctx, keyInflightIndex, keys...)
			return nil
		})
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("failed to refresh lease", "lease", c.leaseKey(), "error", err)
			}
			continue
		}

		if n, err := c.Reclaim(ctx); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("failed to reclaim abandoned messages", "error", err)
			}
		} else if n > 0 {
			c.logger.Info("reclaimed abandoned messages", "count", n)
		}
	}
}

// Reclaim moves the messages of in-flight lists whose lease expired back
// onto their queues and returns how many it moved
func (c *Client) Reclaim(ctx context.Context) (int, error) {
	keys, err := c.rdb.SMembers(ctx, keyInflightIndex).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, key := range keys {
		owner, queueName, ok := parseInflightKey(key)
		if !ok || owner == c.id {
			continue
		}
		alive, err := c.rdb.Exists(ctx, prefixLease+owner).Result()
		if err != nil {
			return moved, err
		}
		if alive > 0 {
			continue
		}

		n := 0
		for {
			// Newest first onto the consuming end keeps the oldest next in line.
			err := c.rdb.LMove(ctx, key, queueName, "LEFT", "RIGHT").Err()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return moved, err
			}
			n++
		}
		if err := c.rdb.SRem(ctx, keyInflightIndex, key).Err(); err != nil {
			return moved, err
		}
		if n > 0 {
			c.rdb.Publish(ctx, contracts.TopicIn, queueName)
			c.logger.Warn("returned messages of an expired consumer", "queue", queueName, "count", n, "owner", owner)
		}
		moved += n
	}
	return moved, nil
}

func (c *Client) wasAcked(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	n, err := c.rdb.Exists(ctx, prefixAcked+id).Result()
	return err == nil && n > 0
}

// Ack implements messaging.QueueClient
func (c *Client) Ack(ctx context.Context, d messaging.Delivery) error {
	rd, err := c.settle("ack", d)
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, rd.inflight, 1, rd.raw)
		if id := rd.frame.Header.ID; id != "" {
			pipe.Set(ctx, prefixAcked+id, 1, c.ackTTL)
		}
		return nil
	})
	if err != nil {
		return contracts.NewMessagingError("ack", rd.queue, err)
	}
	return nil
}

// Nak implements messaging.QueueClient
func (c *Client) Nak(ctx context.Context, d messaging.Delivery, requeue bool, cause error) error {
	rd, err := c.settle("nak", d)
	if err != nil {
		return err
	}

	target := rd.queue
	if !requeue {
		target = contracts.DeadLetterQueueFor(rd.queue)
	}

	raw := rd.raw
	if rd.err == nil {
		f := rd.frame
		if cause != nil {
			f.Header.Error = contracts.ToResponseStatus(cause)
		}
		if requeue {
			f.Header.RetryAttempts++
		}
		data, err := json.Marshal(f)
		if err != nil {
			return contracts.NewMessagingError("nak", rd.queue, err)
		}
		raw = string(data)
	}

	if !requeue && !c.deadLetter {
		if err := c.rdb.LRem(ctx, rd.inflight, 1, rd.raw).Err(); err != nil {
			return contracts.NewMessagingError("nak", rd.queue, err)
		}
		return nil
	}

	returned, err := returnScript.Run(ctx, c.rdb, []string{rd.inflight, target}, rd.raw, raw, "tail").Int()
	if err != nil {
		return contracts.NewMessagingError("nak", rd.queue, err)
	}
	if returned == 1 && requeue {
		c.rdb.Publish(ctx, contracts.TopicIn, target)
	}
	return nil
}

func (c *Client) settle(op string, d messaging.Delivery) (*delivery, error) {
	rd, ok := d.(*delivery)
	if !ok || rd.client != c {
		queue := ""
		if d != nil {
			queue = d.Queue()
		}
		return nil, contracts.NewMessagingError(op, queue, messaging.ErrForeignDelivery)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[rd]; !ok {
		return nil, contracts.NewMessagingError(op, rd.queue, messaging.ErrAlreadySettled)
	}
	delete(c.inflight, rd)
	return rd, nil
}

// CreateMessage implements messaging.QueueClient
func (c *Client) CreateMessage(d messaging.Delivery, into contracts.Envelope) error {
	if rd, ok := d.(*delivery); ok && rd.err != nil {
		return rd.err
	}
	header := d.Header()
	if err := c.codec.Unmarshal(d.Body(), into.BodyPtr()); err != nil {
		return fmt.Errorf("message %s: %w", header.ID, err)
	}
	*into.GetHeader() = header
	return nil
}

// GetTempQueueName implements messaging.QueueClient
func (c *Client) GetTempQueueName() string {
	return contracts.NewTempQueueName()
}

// Close moves unsettled messages back to the head of their queues and
// releases the lease. The shared Redis connection stays open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	inflight := c.inflight
	c.inflight = make(map[*delivery]struct{})
	registered := c.registered
	stopLease, leaseDone, sub := c.stopLease, c.leaseDone, c.sub
	c.mu.Unlock()

	if stopLease != nil {
		stopLease()
		<-leaseDone
	}
	var errs []error
	if sub != nil {
		errs = append(errs, sub.Close())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	returned := 0
	for d := range inflight {
		n, err := returnScript.Run(ctx, c.rdb, []string{d.inflight, d.queue}, d.raw, d.raw, "head").Int()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to return message to %s: %w", d.queue, err))
			continue
		}
		if n == 1 {
			returned++
			c.rdb.Publish(ctx, contracts.TopicIn, d.queue)
		}
	}
	if returned > 0 {
		c.logger.Debug("returned unsettled messages", "count", returned)
	}

	if len(registered) > 0 && len(errs) == 0 {
		keys := make([]any, 0, len(registered))
		for k := range registered {
			keys = append(keys, k)
		}
		_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, keyInflightIndex, keys...)
			pipe.Del(ctx, c.leaseKey())
			return nil
		})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) checkOpen(op, queueName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return contracts.NewMessagingError(op, queueName, messaging.ErrClientClosed)
	}
	return nil
}

func (c *Client) encode(msg contracts.Envelope) (string, error) {
	f := frame{Header: *msg.GetHeader()}
	if f.Header.Type == "" {
		f.Header.Type = contracts.TypeNameOf(msg.GetBody())
	}
	body, err := c.codec.Marshal(msg.GetBody())
	if err != nil {
		return "", err
	}
	f.Body = body

	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to marshal frame: %w", err)
	}
	return string(data), nil
}
