package contracts

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	// DefaultQueuePrefix prefixes every queue managed by mmate
	DefaultQueuePrefix = "mq:"

	// TempQueuePrefix prefixes queues allocated for request/reply
	TempQueuePrefix = DefaultQueuePrefix + "tmp:"

	// TopicIn is the channel notified when a durable message is published
	TopicIn = DefaultQueuePrefix + "topic:in"

	// TopicOut is the channel notified when a transient message is published
	TopicOut = DefaultQueuePrefix + "topic:out"

	suffixIn       = ".inq"
	suffixPriority = ".priorityq"
	suffixOut      = ".outq"
	suffixDlq      = ".dlq"
)

// QueueNames are the queues a message type maps to
type QueueNames struct {
	In       string // default lane
	Priority string // priority lane
	Out      string // transient notifications
	Dlq      string // dead letters
}

// NewQueueNames builds the queue names of a message type
func NewQueueNames(typeName string) QueueNames {
	base := DefaultQueuePrefix + typeName
	return QueueNames{
		In:       base + suffixIn,
		Priority: base + suffixPriority,
		Out:      base + suffixOut,
		Dlq:      base + suffixDlq,
	}
}

// QueueNamesFor builds the queue names of T
func QueueNamesFor[T any]() QueueNames {
	return NewQueueNames(TypeName[T]())
}

// Lanes returns the queues a handler drains, priority lane first
func (q QueueNames) Lanes() []string {
	return []string{q.Priority, q.In}
}

// IsPriority reports whether queue is the priority lane of these names
func (q QueueNames) IsPriority(queue string) bool {
	return queue == q.Priority
}

// DeadLetterQueueFor returns where terminally failed messages from queue go
func DeadLetterQueueFor(queue string) string {
	for _, suffix := range []string{suffixIn, suffixPriority} {
		if strings.HasPrefix(queue, DefaultQueuePrefix) && strings.HasSuffix(queue, suffix) {
			return strings.TrimSuffix(queue, suffix) + suffixDlq
		}
	}
	return queue + suffixDlq
}

// NewTempQueueName allocates a unique reply queue name
func NewTempQueueName() string {
	return TempQueuePrefix + strings.ToLower(ulid.Make().String())
}

// IsTempQueue reports whether queue was allocated by NewTempQueueName
func IsTempQueue(queue string) bool {
	return strings.HasPrefix(queue, TempQueuePrefix)
}

// QueueNameResolver decides which physical queue a message is routed to
type QueueNameResolver interface {
	ResolveQueueName(names QueueNames, priority int64) string
}

// QueueNameResolverFunc adapts a function to QueueNameResolver
type QueueNameResolverFunc func(names QueueNames, priority int64) string

// ResolveQueueName implements QueueNameResolver
func (f QueueNameResolverFunc) ResolveQueueName(names QueueNames, priority int64) string {
	return f(names, priority)
}

// PriorityLaneResolver routes any non-zero priority to the priority lane
type PriorityLaneResolver struct{}

// ResolveQueueName implements QueueNameResolver
func (PriorityLaneResolver) ResolveQueueName(names QueueNames, priority int64) string {
	if priority != 0 {
		return names.Priority
	}
	return names.In
}

// SingleLaneResolver routes everything to the default lane, for backends that
// order by priority themselves
type SingleLaneResolver struct{}

// ResolveQueueName implements QueueNameResolver
func (SingleLaneResolver) ResolveQueueName(names QueueNames, _ int64) string {
	return names.In
}
