package messaging_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-mq/contracts"
	"github.com/glimte/mmate-mq/messaging"
	"github.com/glimte/mmate-mq/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockClient is a QueueClient whose calls are scripted per test
type mockClient struct {
	mock.Mock
}

func (m *mockClient) Publish(ctx context.Context, queueName string, msg contracts.Envelope) error {
	return m.Called(ctx, queueName, msg).Error(0)
}

func (m *mockClient) Notify(ctx context.Context, queueName string, msg contracts.Envelope) error {
	return m.Called(ctx, queueName, msg).Error(0)
}

func (m *mockClient) Get(ctx context.Context, queueName string, timeout time.Duration) (messaging.Delivery, error) {
	args := m.Called(ctx, queueName, timeout)
	d, _ := args.Get(0).(messaging.Delivery)
	return d, args.Error(1)
}

func (m *mockClient) GetAsync(ctx context.Context, queueName string) (messaging.Delivery, error) {
	args := m.Called(ctx, queueName)
	d, _ := args.Get(0).(messaging.Delivery)
	return d, args.Error(1)
}

func (m *mockClient) Ack(ctx context.Context, d messaging.Delivery) error {
	return m.Called(ctx, d).Error(0)
}

func (m *mockClient) Nak(ctx context.Context, d messaging.Delivery, requeue bool, cause error) error {
	return m.Called(ctx, d, requeue, cause).Error(0)
}

func (m *mockClient) CreateMessage(d messaging.Delivery, into contracts.Envelope) error {
	return m.Called(d, into).Error(0)
}

func (m *mockClient) GetTempQueueName() string {
	return contracts.NewTempQueueName()
}

func (m *mockClient) Close() error {
	return m.Called().Error(0)
}

type mockFactory struct {
	client messaging.QueueClient
	err    error
}

func (f *mockFactory) CreateQueueClient() (messaging.QueueClient, error) {
	return f.client, f.err
}

func (f *mockFactory) CreateProducer() (messaging.Producer, error) {
	return nil, errors.New("not supported")
}

func (f *mockFactory) Close() error {
	return nil
}

func noop(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
	return nil, nil
}

func TestWorkerLifecycle(t *testing.T) {
	ctx := context.Background()
	factory := memory.NewFactory(memory.NewBroker())
	worker := messaging.NewWorker(messaging.NewMessageHandler(noop), factory,
		messaging.WithPollTimeout(time.Minute))

	assert.Equal(t, messaging.WorkerStopped, worker.Status())
	assert.Equal(t, "PlaceOrder", worker.MessageType())

	t.Run("start is idempotent", func(t *testing.T) {
		require.NoError(t, worker.Start(ctx))
		require.NoError(t, worker.Start(ctx))
		assert.Equal(t, messaging.WorkerStarted, worker.Status())
		assert.Equal(t, int64(1), worker.TimesStarted())
	})

	t.Run("stop unblocks a waiting get", func(t *testing.T) {
		time.Sleep(20 * time.Millisecond)

		start := time.Now()
		require.NoError(t, worker.Stop())
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Equal(t, messaging.WorkerStopped, worker.Status())
		assert.NoError(t, worker.LastError())
	})

	t.Run("restart after stop", func(t *testing.T) {
		require.NoError(t, worker.Start(ctx))
		assert.Equal(t, messaging.WorkerStarted, worker.Status())
		assert.Equal(t, int64(2), worker.TimesStarted())
	})

	t.Run("dispose is terminal", func(t *testing.T) {
		require.NoError(t, worker.Dispose())
		assert.Equal(t, messaging.WorkerDisposed, worker.Status())
		assert.ErrorIs(t, worker.Start(ctx), messaging.ErrWorkerDisposed)
		assert.NoError(t, worker.Stop())
		assert.NoError(t, worker.Dispose())
		assert.Equal(t, messaging.WorkerDisposed, worker.Status())
	})
}

func TestWorkerConcurrentStart(t *testing.T) {
	ctx := context.Background()
	worker := messaging.NewWorker(messaging.NewMessageHandler(noop), memory.NewFactory(memory.NewBroker()),
		messaging.WithPollTimeout(10*time.Millisecond))
	defer worker.Dispose()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, worker.Start(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, messaging.WorkerStarted, worker.Status())
	assert.Equal(t, int64(1), worker.TimesStarted())
}

func TestWorkerProcessesMessages(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	factory := memory.NewFactory(broker)

	processed := make(chan string, 10)
	handler := messaging.NewMessageHandler(func(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
		processed <- msg.Body.OrderID
		return nil, nil
	})
	worker := messaging.NewWorker(handler, factory, messaging.WithPollTimeout(20*time.Millisecond))
	require.NoError(t, worker.Start(ctx))
	defer worker.Dispose()

	producer, err := factory.CreateProducer()
	require.NoError(t, err)
	require.NoError(t, messaging.PublishBody(ctx, producer, PlaceOrder{OrderID: "a"}))
	require.NoError(t, messaging.PublishBody(ctx, producer, PlaceOrder{OrderID: "b"}, contracts.WithPriority(1)))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-processed:
			got[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("message not processed")
		}
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, got)

	assert.Eventually(t, func() bool {
		return worker.GetStats().TotalMessagesProcessed == 2
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerFaultStopsLoop(t *testing.T) {
	ctx := context.Background()
	fault := contracts.NewMessagingError("get", "mq:PlaceOrder.priorityq", errors.New("connection reset"))

	client := &mockClient{}
	client.On("GetAsync", mock.Anything, mock.Anything).Return(nil, fault)
	client.On("Close").Return(nil).Once()

	factory := &mockFactory{client: client}
	worker := messaging.NewWorker(messaging.NewMessageHandler(noop), factory,
		messaging.WithPollTimeout(time.Millisecond))
	require.NoError(t, worker.Start(ctx))

	assert.Eventually(t, func() bool {
		return worker.Status() == messaging.WorkerStopped
	}, 5*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, worker.LastError(), fault)
	client.AssertExpectations(t)

	t.Run("a faulted worker can be started again", func(t *testing.T) {
		healthy := &mockClient{}
		healthy.On("GetAsync", mock.Anything, mock.Anything).Return(nil, nil)
		healthy.On("Get", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
		healthy.On("Close").Return(nil)

		factory.client = healthy
		require.NoError(t, worker.Start(ctx))
		assert.NoError(t, worker.LastError())
		require.NoError(t, worker.Stop())
		assert.Equal(t, messaging.WorkerStopped, worker.Status())
		assert.Equal(t, int64(2), worker.TimesStarted())
	})
}

func TestWorkerStartFailsWithoutClient(t *testing.T) {
	worker := messaging.NewWorker(messaging.NewMessageHandler(noop), &mockFactory{err: errors.New("broker unreachable")})

	err := worker.Start(context.Background())
	assert.ErrorContains(t, err, "broker unreachable")
	assert.Equal(t, messaging.WorkerStopped, worker.Status())
}

func TestWorkerStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	worker := messaging.NewWorker(messaging.NewMessageHandler(noop), memory.NewFactory(memory.NewBroker()),
		messaging.WithPollTimeout(time.Minute))
	require.NoError(t, worker.Start(ctx))

	cancel()
	assert.Eventually(t, func() bool {
		return worker.Status() == messaging.WorkerStopped
	}, 5*time.Second, 5*time.Millisecond)
	assert.NoError(t, worker.LastError())
}

// laneBlindFactory hides QueueWaiter so workers fall back to a blocking Get
type laneBlindFactory struct {
	messaging.ClientFactory
}

func (f laneBlindFactory) CreateQueueClient() (messaging.QueueClient, error) {
	client, err := f.ClientFactory.CreateQueueClient()
	if err != nil {
		return nil, err
	}
	return struct{ messaging.QueueClient }{client}, nil
}

func TestIdleWorkerHonoursPriority(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, factory messaging.ClientFactory, producer messaging.Producer) []string {
		processed := make(chan string, 2)
		handler := messaging.NewMessageHandler(func(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
			processed <- msg.Body.OrderID
			return nil, nil
		})
		worker := messaging.NewWorker(handler, factory, messaging.WithPollTimeout(5*time.Second))
		require.NoError(t, worker.Start(ctx))
		defer worker.Dispose()

		// Let the worker drain both lanes and go idle.
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, messaging.PublishBody(ctx, producer, PlaceOrder{OrderID: "rush"}, contracts.WithPriority(5)))
		time.Sleep(200 * time.Millisecond)
		require.NoError(t, messaging.PublishBody(ctx, producer, PlaceOrder{OrderID: "regular"}))

		var order []string
		for len(order) < 2 {
			select {
			case id := <-processed:
				order = append(order, id)
			case <-time.After(3 * time.Second):
				t.Fatalf("processed only %v", order)
			}
		}
		return order
	}

	t.Run("waiting client wakes for the priority lane", func(t *testing.T) {
		factory := memory.NewFactory(memory.NewBroker())
		producer, err := factory.CreateProducer()
		require.NoError(t, err)

		processed := make(chan string, 1)
		handler := messaging.NewMessageHandler(func(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
			processed <- msg.Body.OrderID
			return nil, nil
		})
		worker := messaging.NewWorker(handler, factory, messaging.WithPollTimeout(5*time.Second))
		require.NoError(t, worker.Start(ctx))
		defer worker.Dispose()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, messaging.PublishBody(ctx, producer, PlaceOrder{OrderID: "rush"}, contracts.WithPriority(5)))
		select {
		case id := <-processed:
			assert.Equal(t, "rush", id)
		case <-time.After(time.Second):
			t.Fatal("priority message waited for the poll timeout")
		}
	})

	t.Run("waiting client keeps lane order", func(t *testing.T) {
		factory := memory.NewFactory(memory.NewBroker())
		producer, err := factory.CreateProducer()
		require.NoError(t, err)
		assert.Equal(t, []string{"rush", "regular"}, run(t, factory, producer))
	})

	t.Run("blocking get drains the priority lane first", func(t *testing.T) {
		inner := memory.NewFactory(memory.NewBroker())
		producer, err := inner.CreateProducer()
		require.NoError(t, err)
		assert.Equal(t, []string{"rush", "regular"}, run(t, laneBlindFactory{inner}, producer))
	})
}
