package mmate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-mq/contracts"
	"github.com/glimte/mmate-mq/internal/reliability"
	"github.com/glimte/mmate-mq/messaging"
)

// ErrRequestTimeout is returned when no reply arrives in time
var ErrRequestTimeout = errors.New("mmate: request timed out")

// publishRetry retries publishing a request while the transport recovers
var publishRetry = reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 3)

// Request publishes body and waits up to timeout for the reply on a temp
// queue of its own. A reply carrying an error status is returned as the
// *contracts.ResponseStatus error.
func Request[TResp, TReq any](ctx context.Context, factory messaging.ClientFactory, body TReq, timeout time.Duration, opts ...contracts.MessageOpt) (*contracts.Message[TResp], error) {
	return RequestMessage[TResp](ctx, factory, contracts.NewMessage(body, opts...), timeout)
}

// RequestMessage is Request for a prepared envelope; its ReplyTo is replaced
func RequestMessage[TResp any](ctx context.Context, factory messaging.ClientFactory, req contracts.Envelope, timeout time.Duration) (*contracts.Message[TResp], error) {
	client, err := factory.CreateQueueClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create request client: %w", err)
	}
	defer client.Close()

	header := req.GetHeader()
	replyTo := client.GetTempQueueName()
	header.ReplyTo = replyTo

	queueName, err := messaging.RouteMessage(contracts.PriorityLaneResolver{}, req)
	if err != nil {
		return nil, err
	}

	err = reliability.Retry(ctx, publishRetry, "request", func() error {
		err := client.Publish(ctx, queueName, req)
		if errors.Is(err, messaging.ErrClientClosed) {
			return reliability.RetryableError{Err: err, Retryable: false}
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish request %s: %w", header.ID, err)
	}

	return awaitReply[TResp](ctx, client, replyTo, header.ID, timeout)
}

// awaitReply waits for the reply to requestID, skipping stale replies
func awaitReply[TResp any](ctx context.Context, client messaging.QueueClient, replyTo, requestID string, timeout time.Duration) (*contracts.Message[TResp], error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrRequestTimeout
		}

		d, err := client.Get(ctx, replyTo, remaining)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return nil, ErrRequestTimeout
		}
		if err := client.Ack(ctx, d); err != nil {
			return nil, err
		}

		header := d.Header()
		if header.ReplyID != requestID {
			continue
		}
		if header.Error != nil {
			return nil, header.Error
		}
		return messaging.CreateMessage[TResp](client, d)
	}
}
