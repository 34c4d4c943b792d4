package rabbitmq

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-mq/contracts"
)

// Header keys carrying envelope fields AMQP has no property for
const (
	headerRetryAttempts = "x-mq-retry-attempts"
	headerOptions       = "x-mq-options"
	headerTag           = "x-mq-tag"
	headerError         = "x-mq-error"
	headerPriority      = "x-mq-priority"
	headerCreated       = "x-mq-created"
)

// toPublishing maps an envelope header and encoded body onto AMQP properties
func toPublishing(h contracts.Header, body []byte, contentType string, persistent bool) (amqp.Publishing, error) {
	pub := amqp.Publishing{
		ContentType:   contentType,
		MessageId:     h.ID,
		CorrelationId: h.ReplyID,
		ReplyTo:       h.ReplyTo,
		Type:          h.Type,
		Timestamp:     h.CreatedDate,
		Priority:      amqpPriority(h.Priority),
		DeliveryMode:  amqp.Transient,
		Body:          body,
		Headers: amqp.Table{
			headerRetryAttempts: int64(h.RetryAttempts),
			headerOptions:       int64(h.Options),
			headerPriority:      h.Priority,
			headerCreated:       h.CreatedDate.UTC().Format(time.RFC3339Nano),
		},
	}
	if persistent {
		pub.DeliveryMode = amqp.Persistent
	}
	if h.Tag != "" {
		pub.Headers[headerTag] = h.Tag
	}
	if h.Error != nil {
		data, err := json.Marshal(h.Error)
		if err != nil {
			return amqp.Publishing{}, err
		}
		pub.Headers[headerError] = string(data)
	}
	return pub, nil
}

// headerFrom rebuilds the envelope header of a received message
func headerFrom(d amqp.Delivery) contracts.Header {
	h := contracts.Header{
		ID:            d.MessageId,
		Type:          d.Type,
		ReplyID:       d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		CreatedDate:   d.Timestamp.UTC(),
		Priority:      int64(d.Priority),
		RetryAttempts: int(tableInt(d.Headers, headerRetryAttempts)),
		Options:       contracts.MessageOption(tableInt(d.Headers, headerOptions)),
	}

	if v, ok := d.Headers[headerPriority]; ok {
		h.Priority = toInt64(v)
	}
	if s, ok := d.Headers[headerCreated].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			h.CreatedDate = t
		}
	}
	if s, ok := d.Headers[headerTag].(string); ok {
		h.Tag = s
	}
	if s, ok := d.Headers[headerError].(string); ok && s != "" {
		var status contracts.ResponseStatus
		if err := json.Unmarshal([]byte(s), &status); err == nil {
			h.Error = &status
		}
	}
	return h
}

func amqpPriority(p int64) uint8 {
	switch {
	case p <= 0:
		return 0
	case p > math.MaxUint8:
		return math.MaxUint8
	default:
		return uint8(p)
	}
}

func tableInt(t amqp.Table, key string) int64 {
	if t == nil {
		return 0
	}
	return toInt64(t[key])
}

// toInt64 normalises the integer widths a broker may hand back
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// queueArgs returns the declaration arguments for a queue name. They depend
// on the name only so every client declares a queue identically.
func queueArgs(name string, notifyLimit int) (durable bool, args amqp.Table) {
	switch {
	case contracts.IsTempQueue(name):
		return false, amqp.Table{"x-expires": int32(tempQueueExpiry / time.Millisecond)}
	case strings.HasSuffix(name, ".outq"):
		return true, amqp.Table{"x-max-length": int32(notifyLimit)}
	default:
		return true, nil
	}
}
