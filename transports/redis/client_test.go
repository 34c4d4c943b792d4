package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-mq/contracts"
	"github.com/glimte/mmate-mq/messaging"
	"github.com/glimte/mmate-mq/transports/memory"
)

type OrderPlaced struct {
	OrderID string `json:"orderId"`
	Amount  int    `json:"amount"`
}

func setupRedis(t *testing.T, opts ...Option) (*miniredis.Miniredis, *Factory) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, NewFactory(rdb, opts...)
}

func newClient(t *testing.T, f *Factory) *Client {
	t.Helper()
	qc, err := f.CreateQueueClient()
	require.NoError(t, err)
	t.Cleanup(func() { qc.Close() })
	return qc.(*Client)
}

func TestPublishAndGet(t *testing.T) {
	ctx := context.Background()
	mr, factory := setupRedis(t)
	client := newClient(t, factory)

	t.Run("round trips header and body", func(t *testing.T) {
		sent := contracts.NewMessage(OrderPlaced{OrderID: "o-1", Amount: 3},
			contracts.WithPriority(2),
			contracts.WithReplyTo("mq:tmp:abc"),
		)
		require.NoError(t, client.Publish(ctx, "orders", sent))

		got, d, err := messaging.GetAsync[OrderPlaced](ctx, client, "orders")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, int64(2), got.Priority)
		assert.Equal(t, "mq:tmp:abc", got.ReplyTo)
		assert.Equal(t, sent.Body, got.Body)
		assert.True(t, sent.CreatedDate.Equal(got.CreatedDate))

		inflight, err := mr.List(client.InflightKey("orders"))
		require.NoError(t, err)
		assert.Len(t, inflight, 1)

		require.NoError(t, client.Ack(ctx, d))
		assert.False(t, mr.Exists(client.InflightKey("orders")))
	})

	t.Run("delivery is FIFO", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, client.Publish(ctx, "fifo", contracts.NewMessage(OrderPlaced{Amount: i})))
		}
		for i := 0; i < 3; i++ {
			got, d, err := messaging.GetAsync[OrderPlaced](ctx, client, "fifo")
			require.NoError(t, err)
			assert.Equal(t, i, got.Body.Amount)
			require.NoError(t, client.Ack(ctx, d))
		}
	})

	t.Run("empty queue", func(t *testing.T) {
		d, err := client.GetAsync(ctx, "empty")
		assert.NoError(t, err)
		assert.Nil(t, d)

		d, err = client.Get(ctx, "empty", 50*time.Millisecond)
		assert.NoError(t, err)
		assert.Nil(t, d)
	})

	t.Run("Get blocks until a message arrives", func(t *testing.T) {
		producer, err := factory.CreateProducer()
		require.NoError(t, err)
		defer producer.Close()

		go func() {
			time.Sleep(100 * time.Millisecond)
			_ = producer.PublishTo(ctx, "late", contracts.NewMessage(OrderPlaced{OrderID: "late"}))
		}()

		got, d, err := messaging.Get[OrderPlaced](ctx, client, "late", 5*time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "late", got.Body.OrderID)
		require.NoError(t, client.Ack(ctx, d))
	})

	t.Run("Get returns on cancellation", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		d, err := client.Get(cancelled, "empty", time.Minute)
		assert.Nil(t, d)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestAckFiltersDuplicates(t *testing.T) {
	ctx := context.Background()
	mr, factory := setupRedis(t, WithAckTTL(time.Minute))
	client := newClient(t, factory)

	msg := contracts.NewMessage(OrderPlaced{OrderID: "dup"})
	require.NoError(t, client.Publish(ctx, "orders", msg))
	require.NoError(t, client.Publish(ctx, "orders", msg))

	d, err := client.GetAsync(ctx, "orders")
	require.NoError(t, err)
	require.NoError(t, client.Ack(ctx, d))
	assert.ErrorIs(t, client.Ack(ctx, d), messaging.ErrAlreadySettled)

	d, err = client.GetAsync(ctx, "orders")
	require.NoError(t, err)
	assert.Nil(t, d, "acked id must not be delivered again")
	assert.False(t, mr.Exists(client.InflightKey("orders")))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(prefixAcked+msg.ID))
}

func TestNak(t *testing.T) {
	ctx := context.Background()

	t.Run("requeue increments retry attempts", func(t *testing.T) {
		_, factory := setupRedis(t)
		client := newClient(t, factory)
		require.NoError(t, client.Publish(ctx, "orders", contracts.NewMessage(OrderPlaced{})))

		for attempt := 0; attempt < 2; attempt++ {
			got, d, err := messaging.GetAsync[OrderPlaced](ctx, client, "orders")
			require.NoError(t, err)
			assert.Equal(t, attempt, got.RetryAttempts)
			require.NoError(t, client.Nak(ctx, d, true, errors.New("try later")))
		}

		got, _, err := messaging.GetAsync[OrderPlaced](ctx, client, "orders")
		require.NoError(t, err)
		assert.Equal(t, 2, got.RetryAttempts)
		require.NotNil(t, got.Error)
		assert.Equal(t, "try later", got.Error.Message)
	})

	t.Run("terminal nak dead-letters", func(t *testing.T) {
		mr, factory := setupRedis(t)
		client := newClient(t, factory)
		names := contracts.QueueNamesFor[OrderPlaced]()

		require.NoError(t, client.Publish(ctx, names.In, contracts.NewMessage(OrderPlaced{})))
		d, err := client.GetAsync(ctx, names.In)
		require.NoError(t, err)
		require.NoError(t, client.Nak(ctx, d, false, errors.New("bad")))

		dead, err := mr.List(names.Dlq)
		require.NoError(t, err)
		assert.Len(t, dead, 1)
		assert.False(t, mr.Exists(client.InflightKey(names.In)))
	})

	t.Run("terminal nak drops when dead-lettering is off", func(t *testing.T) {
		mr, factory := setupRedis(t, WithDeadLetter(false))
		client := newClient(t, factory)

		require.NoError(t, client.Publish(ctx, "orders", contracts.NewMessage(OrderPlaced{})))
		d, err := client.GetAsync(ctx, "orders")
		require.NoError(t, err)
		require.NoError(t, client.Nak(ctx, d, false, nil))
		assert.ElementsMatch(t, []string{keyInflightIndex, client.leaseKey()}, mr.Keys())
	})

	t.Run("foreign deliveries are rejected", func(t *testing.T) {
		_, factory := setupRedis(t)
		client := newClient(t, factory)

		mem := memory.NewClient(memory.NewBroker())
		defer mem.Close()
		require.NoError(t, mem.Publish(ctx, "orders", contracts.NewMessage(OrderPlaced{})))
		d, err := mem.GetAsync(ctx, "orders")
		require.NoError(t, err)

		assert.ErrorIs(t, client.Nak(ctx, d, true, nil), messaging.ErrForeignDelivery)
	})
}

func TestNotifyIsBounded(t *testing.T) {
	ctx := context.Background()
	mr, factory := setupRedis(t, WithNotifyQueueSize(2))
	client := newClient(t, factory)

	for i := 0; i < 4; i++ {
		require.NoError(t, client.Notify(ctx, "events.outq", contracts.NewMessage(OrderPlaced{Amount: i})))
	}

	items, err := mr.List("events.outq")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	got, _, err := messaging.GetAsync[OrderPlaced](ctx, client, "events.outq")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Body.Amount)
}

func TestCloseReturnsUnsettled(t *testing.T) {
	ctx := context.Background()
	mr, factory := setupRedis(t)

	qc, err := factory.CreateQueueClient()
	require.NoError(t, err)
	client := qc.(*Client)

	require.NoError(t, client.Publish(ctx, "orders", contracts.NewMessage(OrderPlaced{OrderID: "a"})))
	require.NoError(t, client.Publish(ctx, "orders", contracts.NewMessage(OrderPlaced{OrderID: "b"})))
	_, err = client.GetAsync(ctx, "orders")
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.False(t, mr.Exists(client.InflightKey("orders")))
	assert.False(t, mr.Exists(client.leaseKey()))
	assert.False(t, mr.Exists(keyInflightIndex))

	next := newClient(t, factory)
	got, _, err := messaging.GetAsync[OrderPlaced](ctx, next, "orders")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Body.OrderID)

	assert.ErrorIs(t, client.Publish(ctx, "orders", contracts.NewMessage(OrderPlaced{})), messaging.ErrClientClosed)
}

func TestGetBlocksInsteadOfPolling(t *testing.T) {
	ctx := context.Background()
	mr, factory := setupRedis(t)
	client := newClient(t, factory)

	// Registers the in-flight list so only the wait itself is counted.
	d, err := client.GetAsync(ctx, "idle")
	require.NoError(t, err)
	require.Nil(t, d)

	t.Run("a one second wait is a single BLMOVE", func(t *testing.T) {
		before := mr.CommandCount()
		d, err := client.Get(ctx, "idle", messaging.DefaultPollTimeout)
		require.NoError(t, err)
		assert.Nil(t, d)
		assert.Equal(t, 1, mr.CommandCount()-before)
	})

	t.Run("longer waits round up to whole seconds", func(t *testing.T) {
		before := mr.CommandCount()
		started := time.Now()
		d, err := client.Get(ctx, "idle", 1500*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, d)
		assert.Equal(t, 2, mr.CommandCount()-before)
		assert.Less(t, time.Since(started), 2500*time.Millisecond)
	})

	t.Run("short waits poll", func(t *testing.T) {
		before := mr.CommandCount()
		d, err := client.Get(ctx, "idle", 100*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, d)
		assert.Greater(t, mr.CommandCount()-before, 1)
	})
}

func TestWaitAny(t *testing.T) {
	ctx := context.Background()
	mr, factory := setupRedis(t)
	client := newClient(t, factory)
	lanes := []string{"orders.pinq", "orders.inq"}

	t.Run("times out on idle lanes", func(t *testing.T) {
		ready, err := client.WaitAny(ctx, lanes, 50*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ready)
	})

	t.Run("wakes for a publish on any lane", func(t *testing.T) {
		producer, err := factory.CreateProducer()
		require.NoError(t, err)
		defer producer.Close()

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = producer.PublishTo(ctx, "unrelated", contracts.NewMessage(OrderPlaced{}))
			_ = producer.PublishTo(ctx, "orders.pinq", contracts.NewMessage(OrderPlaced{OrderID: "rush"}))
		}()

		started := time.Now()
		ready, err := client.WaitAny(ctx, lanes, 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ready)
		assert.Less(t, time.Since(started), time.Second)

		items, err := mr.List("orders.pinq")
		require.NoError(t, err)
		assert.Len(t, items, 1, "waiting must not take the message")
	})

	t.Run("returns at once when a lane is not empty", func(t *testing.T) {
		ready, err := client.WaitAny(ctx, lanes, time.Minute)
		require.NoError(t, err)
		assert.True(t, ready)
	})

	t.Run("returns on cancellation", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := client.WaitAny(cancelled, []string{"idle"}, time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestReclaimAbandonedInflight(t *testing.T) {
	ctx := context.Background()
	mr, factory := setupRedis(t)

	// Never closed, as if its process had crashed.
	abandoned := NewClient(factory.Redis(), WithLeaseTTL(time.Minute))
	defer abandoned.Close()
	survivor := newClient(t, factory)

	require.NoError(t, survivor.Publish(ctx, "orders", contracts.NewMessage(OrderPlaced{OrderID: "a"})))
	require.NoError(t, survivor.Publish(ctx, "orders", contracts.NewMessage(OrderPlaced{OrderID: "b"})))
	lost, err := abandoned.GetAsync(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, lost)

	t.Run("live leases are left alone", func(t *testing.T) {
		n, err := survivor.Reclaim(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.True(t, mr.Exists(abandoned.InflightKey("orders")))
	})

	t.Run("expired leases are returned in order", func(t *testing.T) {
		mr.FastForward(2 * time.Minute)

		n, err := survivor.Reclaim(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.False(t, mr.Exists(abandoned.InflightKey("orders")))
		members, err := mr.Members(keyInflightIndex)
		require.NoError(t, err)
		assert.NotContains(t, members, abandoned.InflightKey("orders"))

		for _, want := range []string{"a", "b"} {
			got, d, err := messaging.GetAsync[OrderPlaced](ctx, survivor, "orders")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want, got.Body.OrderID)
			require.NoError(t, survivor.Ack(ctx, d))
		}
	})

	t.Run("late settle does not duplicate", func(t *testing.T) {
		require.NoError(t, abandoned.Nak(ctx, lost, true, nil))
		assert.False(t, mr.Exists("orders"))
	})
}

func TestInvalidFrameIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	mr, factory := setupRedis(t)
	client := newClient(t, factory)
	names := contracts.QueueNamesFor[OrderPlaced]()

	_, err := mr.Lpush(names.In, "not a frame")
	require.NoError(t, err)

	handler := messaging.NewMessageHandler(func(ctx context.Context, msg *contracts.Message[OrderPlaced]) (any, error) {
		t.Fatal("handler must not see undecodable messages")
		return nil, nil
	})
	n, err := handler.Process(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), handler.GetStats().TotalMessagesFailed)

	dead, err := mr.List(names.Dlq)
	require.NoError(t, err)
	assert.Equal(t, []string{"not a frame"}, dead)
}

func TestServerOnRedis(t *testing.T) {
	ctx := context.Background()
	_, factory := setupRedis(t)

	server := messaging.NewServer(factory, messaging.WithServerPollTimeout(100*time.Millisecond))
	require.NoError(t, messaging.RegisterHandler(server, func(ctx context.Context, msg *contracts.Message[OrderPlaced]) (any, error) {
		if msg.RetryAttempts < 1 {
			return nil, errors.New("flaky")
		}
		return nil, nil
	}))
	require.NoError(t, server.Start(ctx))
	defer server.Dispose()

	producer, err := server.Producer()
	require.NoError(t, err)
	require.NoError(t, messaging.PublishBody(ctx, producer, OrderPlaced{OrderID: "o-1"}, contracts.WithPriority(1)))

	assert.Eventually(t, func() bool {
		s := server.GetStats()
		return s.TotalMessagesProcessed == 1 && s.TotalRetries == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(2), server.GetStats().TotalPriorityMessagesReceived)
}
