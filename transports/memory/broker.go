// Package memory provides an in-process broker and its messaging backend.
//
// The broker keeps named FIFO queues of encoded frames. Queues written by
// Publish are unbounded; queues written by Notify drop their oldest entry
// once full. It is meant for tests and single-process deployments.
package memory

import (
	"log/slog"
	"sync"

	"github.com/glimte/mmate-mq/contracts"
)

// DefaultNotifyQueueSize bounds queues written by Notify
const DefaultNotifyQueueSize = 100

// frame is a stored message: the header plus the codec-encoded body
type frame struct {
	header contracts.Header
	body   []byte
}

type queue struct {
	items   []frame
	bounded bool
}

// BrokerOption configures a broker
type BrokerOption func(*Broker)

// WithNotifyQueueSize sets the bound of notify queues
func WithNotifyQueueSize(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.notifyLimit = n
		}
	}
}

// WithDeadLetter toggles routing of terminally failed messages to dead-letter queues
func WithDeadLetter(enabled bool) BrokerOption {
	return func(b *Broker) {
		b.deadLetter = enabled
	}
}

// WithBrokerLogger sets the logger
func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// Broker is a set of named in-memory queues shared by clients and producers
type Broker struct {
	notifyLimit int
	deadLetter  bool
	logger      *slog.Logger

	mu     sync.Mutex
	queues map[string]*queue
	// queued counts the waiting frames per message ID; acked only holds IDs
	// that still have a waiting copy, so it is bounded by the queue contents.
	queued  map[string]int
	acked   map[string]struct{}
	changed chan struct{}
}

// NewBroker creates an empty broker
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		notifyLimit: DefaultNotifyQueueSize,
		deadLetter:  true,
		logger:      slog.Default(),
		queues:      make(map[string]*queue),
		queued:      make(map[string]int),
		acked:       make(map[string]struct{}),
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Len returns the number of messages waiting on a queue
func (b *Broker) Len(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.items)
	}
	return 0
}

// Queues returns the names of all queues holding messages
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name, q := range b.queues {
		if len(q.items) > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Purge drops every message waiting on a queue
func (b *Broker) Purge(queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		for _, f := range q.items {
			b.releaseLocked(f.header.ID)
		}
	}
	delete(b.queues, queueName)
}

// pending reports whether any of queueNames holds a frame, and otherwise
// returns the channel closed on the next push
func (b *Broker) pending(queueNames []string) (bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range queueNames {
		if q, ok := b.queues[name]; ok && len(q.items) > 0 {
			return true, nil
		}
	}
	return false, b.changed
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{}
		b.queues[name] = q
	}
	return q
}

// push appends f and wakes every waiting receiver
func (b *Broker) push(queueName string, f frame, bounded bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(queueName)
	q.bounded = q.bounded || bounded
	q.items = append(q.items, f)
	b.holdLocked(f.header.ID)
	if q.bounded && len(q.items) > b.notifyLimit {
		dropped := len(q.items) - b.notifyLimit
		for _, old := range q.items[:dropped] {
			b.releaseLocked(old.header.ID)
		}
		q.items = q.items[dropped:]
		b.logger.Debug("notify queue full, dropped oldest", "queue", queueName, "dropped", dropped)
	}
	b.signalLocked()
}

// pushFront returns unsettled frames to the head of their queue
func (b *Broker) pushFront(queueName string, f frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(queueName)
	q.items = append([]frame{f}, q.items...)
	b.holdLocked(f.header.ID)
	b.signalLocked()
}

// pop removes the first frame that was not acked yet, discarding acked
// ones. It also returns the channel that is closed on the next push so
// callers can wait without polling.
func (b *Broker) pop(queueName string) (frame, bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	for ok && len(q.items) > 0 {
		f := q.items[0]
		q.items[0] = frame{}
		q.items = q.items[1:]
		_, done := b.acked[f.header.ID]
		b.releaseLocked(f.header.ID)
		if done {
			continue
		}
		return f, true, nil
	}
	return frame{}, false, b.changed
}

// ack filters the waiting copies of id. Nothing is kept when none is waiting.
func (b *Broker) ack(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queued[id] > 0 {
		b.acked[id] = struct{}{}
	}
}

// AckedLen returns how many acked IDs are kept to filter waiting duplicates
func (b *Broker) AckedLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acked)
}

func (b *Broker) holdLocked(id string) {
	if id != "" {
		b.queued[id]++
	}
}

func (b *Broker) releaseLocked(id string) {
	if id == "" {
		return
	}
	if b.queued[id] <= 1 {
		delete(b.queued, id)
		delete(b.acked, id)
		return
	}
	b.queued[id]--
}

func (b *Broker) signalLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}
