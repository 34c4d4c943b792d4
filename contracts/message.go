package contracts

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Header carries the delivery metadata of a message independently of its body
type Header struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	CreatedDate   time.Time       `json:"createdDate"`
	Priority      int64           `json:"priority,omitempty"`
	RetryAttempts int             `json:"retryAttempts,omitempty"`
	ReplyID       string          `json:"replyId,omitempty"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	Options       MessageOption   `json:"options,omitempty"`
	Error         *ResponseStatus `json:"error,omitempty"`
	Tag           string          `json:"tag,omitempty"`
}

// IsOneWay reports whether the message expects no reply
func (h Header) IsOneWay() bool {
	return h.ReplyTo == "" && h.ReplyID == ""
}

// Envelope is the untyped view of a Message[T] used by transports
type Envelope interface {
	// GetHeader returns the mutable header of the envelope
	GetHeader() *Header

	// GetBody returns the payload
	GetBody() any

	// BodyPtr returns a pointer to the payload for decoding into
	BodyPtr() any
}

// Message is the typed envelope produced by producers and consumed by handlers
type Message[T any] struct {
	Header
	Body T `json:"body"`
}

// MessageOpt configures a new message
type MessageOpt func(*Header)

// WithPriority routes the message to the priority lane when non-zero
func WithPriority(priority int64) MessageOpt {
	return func(h *Header) {
		h.Priority = priority
	}
}

// WithReplyTo sets the queue the reply should be sent to
func WithReplyTo(queue string) MessageOpt {
	return func(h *Header) {
		h.ReplyTo = queue
	}
}

// WithReplyID sets the correlation id of a reply
func WithReplyID(id string) MessageOpt {
	return func(h *Header) {
		h.ReplyID = id
	}
}

// WithTag sets the free-form application tag
func WithTag(tag string) MessageOpt {
	return func(h *Header) {
		h.Tag = tag
	}
}

// WithOptions sets the delivery option flags
func WithOptions(options MessageOption) MessageOpt {
	return func(h *Header) {
		h.Options = options
	}
}

// NewMessage creates an envelope with a fresh ID and creation time
func NewMessage[T any](body T, opts ...MessageOpt) *Message[T] {
	msg := &Message[T]{
		Header: Header{
			ID:          uuid.New().String(),
			Type:        TypeName[T](),
			CreatedDate: time.Now().UTC(),
		},
		Body: body,
	}

	for _, opt := range opts {
		opt(&msg.Header)
	}

	return msg
}

// GetHeader implements Envelope
func (m *Message[T]) GetHeader() *Header {
	return &m.Header
}

// GetBody implements Envelope
func (m *Message[T]) GetBody() any {
	return m.Body
}

// BodyPtr implements Envelope
func (m *Message[T]) BodyPtr() any {
	return &m.Body
}

// GetID returns the message ID
func (m *Message[T]) GetID() string {
	return m.ID
}

// SameMessage reports whether two envelopes carry the same message identity
func SameMessage(a, b Envelope) bool {
	if a == nil || b == nil {
		return false
	}
	return a.GetHeader().ID != "" && a.GetHeader().ID == b.GetHeader().ID
}

// TypeName returns the logical message type name used for queue naming
func TypeName[T any]() string {
	return typeNameOf(reflect.TypeOf((*T)(nil)).Elem())
}

// TypeNameOf returns the logical message type name of a value
func TypeNameOf(v any) string {
	if v == nil {
		return ""
	}
	if env, ok := v.(Envelope); ok && env.GetHeader().Type != "" {
		return env.GetHeader().Type
	}
	return typeNameOf(reflect.TypeOf(v))
}

func typeNameOf(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}
