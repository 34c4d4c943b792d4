package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-mq/contracts"
)

var (
	// ErrForeignDelivery is returned when a delivery is acked by a client that did not receive it
	ErrForeignDelivery = errors.New("messaging: delivery does not belong to this client")

	// ErrClientClosed is returned by operations on a closed client or producer
	ErrClientClosed = errors.New("messaging: client is closed")

	// ErrAlreadySettled is returned when a delivery is acked or naked twice
	ErrAlreadySettled = errors.New("messaging: delivery already settled")
)

// Delivery is a message received from a queue and not yet settled
type Delivery interface {
	// Queue returns the queue the message was received from
	Queue() string

	// Header returns the delivery metadata as stored by the backend
	Header() contracts.Header

	// Body returns the encoded body
	Body() []byte
}

// QueueClient is the transport abstraction a handler consumes from.
// A client is owned by exactly one handler at a time.
type QueueClient interface {
	// Publish places msg on a durable queue
	Publish(ctx context.Context, queueName string, msg contracts.Envelope) error

	// Notify places msg on a transient, bounded queue
	Notify(ctx context.Context, queueName string, msg contracts.Envelope) error

	// Get waits up to timeout for a message; it returns nil, nil on timeout
	// and nil, ctx.Err() when ctx is cancelled
	Get(ctx context.Context, queueName string, timeout time.Duration) (Delivery, error)

	// GetAsync returns a waiting message or nil, nil when the queue is empty
	GetAsync(ctx context.Context, queueName string) (Delivery, error)

	// Ack confirms processing; the message is never delivered again
	Ack(ctx context.Context, d Delivery) error

	// Nak rejects the message. With requeue it is redelivered with
	// RetryAttempts incremented by one, otherwise it is dead-lettered.
	// cause is recorded in the redelivered message's Error.
	Nak(ctx context.Context, d Delivery, requeue bool, cause error) error

	// CreateMessage decodes a delivery into the envelope into
	CreateMessage(d Delivery, into contracts.Envelope) error

	// GetTempQueueName allocates a reply queue unique for the client's lifetime
	GetTempQueueName() string

	// Close releases the client's transport resources
	Close() error
}

// QueueWaiter is implemented by clients that can wait on several queues at
// once without taking a message. Idle workers use it to wake for whichever
// lane receives a message first.
type QueueWaiter interface {
	// WaitAny blocks until one of queueNames may hold a message, timeout
	// passes or ctx ends. It reports whether a message may be waiting; a
	// true result can be spurious.
	WaitAny(ctx context.Context, queueNames []string, timeout time.Duration) (bool, error)
}

// Producer publishes messages and is safe for concurrent use
type Producer interface {
	// Publish routes msg to its type's queue, honouring its priority
	Publish(ctx context.Context, msg contracts.Envelope) error

	// PublishTo places msg on a durable queue
	PublishTo(ctx context.Context, queueName string, msg contracts.Envelope) error

	// Notify places msg on a transient queue
	Notify(ctx context.Context, queueName string, msg contracts.Envelope) error

	// Close releases the producer's transport resources
	Close() error
}

// ClientFactory creates clients and producers for one backend
type ClientFactory interface {
	// CreateQueueClient creates a client for exclusive use by one handler
	CreateQueueClient() (QueueClient, error)

	// CreateProducer creates a producer that may be shared
	CreateProducer() (Producer, error)

	// Close releases resources shared by the factory's clients
	Close() error
}

// CreateMessage reconstructs the typed envelope of a delivery
func CreateMessage[T any](client QueueClient, d Delivery) (*contracts.Message[T], error) {
	if d == nil {
		return nil, nil
	}
	msg := &contracts.Message[T]{}
	if err := client.CreateMessage(d, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Get waits for a typed message; both results are nil on timeout
func Get[T any](ctx context.Context, client QueueClient, queueName string, timeout time.Duration) (*contracts.Message[T], Delivery, error) {
	d, err := client.Get(ctx, queueName, timeout)
	if err != nil || d == nil {
		return nil, nil, err
	}
	msg, err := CreateMessage[T](client, d)
	if err != nil {
		return nil, d, err
	}
	return msg, d, nil
}

// GetAsync returns a waiting typed message; both results are nil when the queue is empty
func GetAsync[T any](ctx context.Context, client QueueClient, queueName string) (*contracts.Message[T], Delivery, error) {
	d, err := client.GetAsync(ctx, queueName)
	if err != nil || d == nil {
		return nil, nil, err
	}
	msg, err := CreateMessage[T](client, d)
	if err != nil {
		return nil, d, err
	}
	return msg, d, nil
}

// PublishBody wraps body in a new envelope and publishes it
func PublishBody[T any](ctx context.Context, p Producer, body T, opts ...contracts.MessageOpt) error {
	return p.Publish(ctx, contracts.NewMessage(body, opts...))
}

// RouteMessage resolves the queue msg is published to
func RouteMessage(resolver contracts.QueueNameResolver, msg contracts.Envelope) (string, error) {
	h := msg.GetHeader()
	if h.Type == "" {
		return "", fmt.Errorf("message %s has no type", h.ID)
	}
	if resolver == nil {
		resolver = contracts.PriorityLaneResolver{}
	}
	return resolver.ResolveQueueName(contracts.NewQueueNames(h.Type), h.Priority), nil
}

// IsTimeout reports whether err is a context cancellation or deadline rather than a transport fault
func IsTimeout(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
