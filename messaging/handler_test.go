package messaging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-mq/contracts"
	"github.com/glimte/mmate-mq/messaging"
	"github.com/glimte/mmate-mq/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type PlaceOrder struct {
	OrderID  string `json:"orderId"`
	Quantity int    `json:"quantity"`
}

type OrderPlaced struct {
	OrderID string `json:"orderId"`
}

type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return e.Field + " is invalid"
}

func setup(t *testing.T) (*memory.Broker, messaging.QueueClient, messaging.Producer) {
	t.Helper()
	broker := memory.NewBroker()
	factory := memory.NewFactory(broker)

	client, err := factory.CreateQueueClient()
	require.NoError(t, err)
	producer, err := factory.CreateProducer()
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		producer.Close()
	})
	return broker, client, producer
}

func TestProcessPriorityPrecedence(t *testing.T) {
	ctx := context.Background()
	_, client, producer := setup(t)

	for i, priority := range []int64{0, 0, 5} {
		require.NoError(t, messaging.PublishBody(ctx, producer,
			PlaceOrder{OrderID: string(rune('a' + i))},
			contracts.WithPriority(priority),
		))
	}

	var seen []int64
	handler := messaging.NewMessageHandler(func(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
		seen = append(seen, msg.Priority)
		return nil, nil
	})

	n, err := handler.Process(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{5, 0, 0}, seen)

	stats := handler.GetStats()
	assert.Equal(t, int64(3), stats.TotalMessagesProcessed)
	assert.Equal(t, int64(1), stats.TotalPriorityMessagesReceived)
	assert.Equal(t, int64(2), stats.TotalNormalMessagesReceived)
	assert.NotNil(t, stats.LastMessageProcessed)
}

func TestProcessRechecksPriorityLane(t *testing.T) {
	ctx := context.Background()
	_, client, producer := setup(t)

	require.NoError(t, messaging.PublishBody(ctx, producer, PlaceOrder{OrderID: "n1"}))
	require.NoError(t, messaging.PublishBody(ctx, producer, PlaceOrder{OrderID: "n2"}))

	var seen []string
	handler := messaging.NewMessageHandler(func(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
		seen = append(seen, msg.Body.OrderID)
		if msg.Body.OrderID == "n1" {
			return nil, messaging.PublishBody(ctx, producer, PlaceOrder{OrderID: "p1"}, contracts.WithPriority(1))
		}
		return nil, nil
	})

	_, err := handler.Process(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "p1", "n2"}, seen)
}

func TestProcessQueueHonoursDoNext(t *testing.T) {
	ctx := context.Background()
	broker, client, producer := setup(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, messaging.PublishBody(ctx, producer, PlaceOrder{Quantity: i}))
	}

	handler := messaging.NewMessageHandler(func(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
		return nil, nil
	})

	calls := 0
	n, err := handler.ProcessQueue(ctx, client, handler.QueueNames().In, func() bool {
		calls++
		return calls < 2
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, broker.Len(handler.QueueNames().In))
}

func TestRetryCeiling(t *testing.T) {
	ctx := context.Background()
	broker, client, producer := setup(t)

	require.NoError(t, messaging.PublishBody(ctx, producer, PlaceOrder{OrderID: "o-1"}))

	var attempts []int
	handler := messaging.NewMessageHandler(func(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
		attempts = append(attempts, msg.RetryAttempts)
		if msg.RetryAttempts > 0 && assert.NotNil(t, msg.Error) {
			assert.Equal(t, "warehouse unavailable", msg.Error.Message)
		}
		return nil, errors.New("warehouse unavailable")
	}, messaging.WithRetryLimit(2))

	n, err := handler.Process(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{0, 1, 2}, attempts)

	stats := handler.GetStats()
	assert.Equal(t, int64(1), stats.TotalMessagesFailed)
	assert.Equal(t, int64(2), stats.TotalRetries)
	assert.Equal(t, int64(0), stats.TotalMessagesProcessed)
	assert.Equal(t, int64(3), stats.TotalNormalMessagesReceived)

	names := handler.QueueNames()
	assert.Equal(t, 0, broker.Len(names.In))
	require.Equal(t, 1, broker.Len(names.Dlq))

	dead, _, err := messaging.GetAsync[PlaceOrder](ctx, client, names.Dlq)
	require.NoError(t, err)
	assert.Equal(t, 2, dead.RetryAttempts)
	assert.Equal(t, "o-1", dead.Body.OrderID)
}

func TestTerminalFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("fire and forget is dead-lettered without retry", func(t *testing.T) {
		broker, client, producer := setup(t)
		require.NoError(t, messaging.PublishBody(ctx, producer, PlaceOrder{Quantity: -1}))

		handler := messaging.NewMessageHandler(func(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
			return nil, messaging.Terminal(&ValidationError{Field: "quantity"})
		})

		_, err := handler.Process(ctx, client)
		require.NoError(t, err)

		stats := handler.GetStats()
		assert.Equal(t, int64(1), stats.TotalMessagesFailed)
		assert.Equal(t, int64(0), stats.TotalRetries)

		dead, _, err := messaging.GetAsync[PlaceOrder](ctx, client, handler.QueueNames().Dlq)
		require.NoError(t, err)
		require.NotNil(t, dead.Error)
		assert.Equal(t, "ValidationError", dead.Error.ErrorCode)
		assert.Equal(t, 1, len(broker.Queues()))
	})

	t.Run("caller awaiting a reply receives the error", func(t *testing.T) {
		_, client, producer := setup(t)
		replyTo := client.GetTempQueueName()
		request := contracts.NewMessage(PlaceOrder{Quantity: -1}, contracts.WithReplyTo(replyTo))
		require.NoError(t, producer.Publish(ctx, request))

		handler := messaging.NewMessageHandler(func(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
			return nil, messaging.Terminal(&ValidationError{Field: "quantity"})
		})
		_, err := handler.Process(ctx, client)
		require.NoError(t, err)

		reply, d, err := messaging.Get[contracts.ErrorResponse](ctx, client, replyTo, time.Second)
		require.NoError(t, err)
		require.NotNil(t, reply)
		require.NoError(t, client.Ack(ctx, d))

		assert.Equal(t, request.ID, reply.ReplyID)
		require.NotNil(t, reply.Error)
		assert.Equal(t, "ValidationError", reply.Error.ErrorCode)
		assert.Equal(t, "quantity is invalid", reply.Body.ResponseStatus.Message)
	})
}

func TestPanicIsRecoverable(t *testing.T) {
	ctx := context.Background()
	_, client, producer := setup(t)
	require.NoError(t, messaging.PublishBody(ctx, producer, PlaceOrder{}))

	calls := 0
	handler := messaging.NewMessageHandler(func(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil, nil
	})

	_, err := handler.Process(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	stats := handler.GetStats()
	assert.Equal(t, int64(1), stats.TotalRetries)
	assert.Equal(t, int64(1), stats.TotalMessagesProcessed)
	assert.Equal(t, int64(0), stats.TotalMessagesFailed)
}

func TestResponseRouting(t *testing.T) {
	ctx := context.Background()
	placed := contracts.QueueNamesFor[OrderPlaced]()

	respond := func(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
		return OrderPlaced{OrderID: msg.Body.OrderID}, nil
	}

	t.Run("reply goes to ReplyTo with correlation", func(t *testing.T) {
		_, client, producer := setup(t)
		replyTo := client.GetTempQueueName()
		request := contracts.NewMessage(PlaceOrder{OrderID: "o-7"}, contracts.WithReplyTo(replyTo), contracts.WithTag("trace-1"))
		require.NoError(t, producer.Publish(ctx, request))

		_, err := messaging.NewMessageHandler(respond).Process(ctx, client)
		require.NoError(t, err)

		reply, _, err := messaging.Get[OrderPlaced](ctx, client, replyTo, time.Second)
		require.NoError(t, err)
		require.NotNil(t, reply)
		assert.Equal(t, request.ID, reply.ReplyID)
		assert.Equal(t, "o-7", reply.Body.OrderID)
		assert.Equal(t, "OrderPlaced", reply.Type)
		assert.Equal(t, "trace-1", reply.Tag)
		assert.Nil(t, reply.Error)
	})

	t.Run("response without ReplyTo goes to its type queue", func(t *testing.T) {
		broker, client, producer := setup(t)
		require.NoError(t, messaging.PublishBody(ctx, producer, PlaceOrder{OrderID: "o-8"}))

		_, err := messaging.NewMessageHandler(respond).Process(ctx, client)
		require.NoError(t, err)
		assert.Equal(t, 1, broker.Len(placed.In))
	})

	t.Run("one-way notification goes to the out queue", func(t *testing.T) {
		broker, client, producer := setup(t)
		require.NoError(t, messaging.PublishBody(ctx, producer, PlaceOrder{OrderID: "o-9"},
			contracts.WithOptions(contracts.OptionNotifyOneWay)))

		_, err := messaging.NewMessageHandler(respond).Process(ctx, client)
		require.NoError(t, err)
		assert.Equal(t, 0, broker.Len(placed.In))
		assert.Equal(t, 1, broker.Len(placed.Out))
	})

	t.Run("envelope responses keep their header", func(t *testing.T) {
		broker, client, producer := setup(t)
		require.NoError(t, messaging.PublishBody(ctx, producer, PlaceOrder{OrderID: "o-10"}))

		handler := messaging.NewMessageHandler(func(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
			return contracts.NewMessage(OrderPlaced{OrderID: msg.Body.OrderID}, contracts.WithPriority(1)), nil
		})
		_, err := handler.Process(ctx, client)
		require.NoError(t, err)
		assert.Equal(t, 1, broker.Len(placed.Priority))
	})
}

func TestRequestReplyThroughServer(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	server := messaging.NewServer(memory.NewFactory(broker), messaging.WithServerPollTimeout(50*time.Millisecond))

	require.NoError(t, messaging.RegisterHandler(server, func(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
		return OrderPlaced{OrderID: msg.Body.OrderID}, nil
	}))
	require.NoError(t, server.Start(ctx))
	defer server.Dispose()

	caller := memory.NewClient(broker)
	defer caller.Close()

	replyTo := caller.GetTempQueueName()
	request := contracts.NewMessage(PlaceOrder{OrderID: "o-42"}, contracts.WithReplyTo(replyTo))

	producer, err := server.Producer()
	require.NoError(t, err)
	require.NoError(t, producer.Publish(ctx, request))

	reply, d, err := messaging.Get[OrderPlaced](ctx, caller, replyTo, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply, "no reply within timeout")
	require.NoError(t, caller.Ack(ctx, d))

	assert.Equal(t, request.ID, reply.ReplyID)
	assert.Equal(t, "o-42", reply.Body.OrderID)

	assert.Eventually(t, func() bool {
		return server.GetStats().TotalMessagesProcessed == 1
	}, time.Second, 10*time.Millisecond)
}
