package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-mq/contracts"
	"github.com/glimte/mmate-mq/internal/rabbitmq"
	"github.com/glimte/mmate-mq/messaging"
	"github.com/glimte/mmate-mq/transports/memory"
)

func fixed(name string, status Status) Checker {
	return NewCheckFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("worst status wins", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(fixed("a", StatusHealthy))
		assert.Equal(t, StatusHealthy, registry.Check(context.Background()).Status)

		registry.Register(fixed("b", StatusDegraded))
		assert.Equal(t, StatusDegraded, registry.Check(context.Background()).Status)

		registry.Register(fixed("c", StatusUnhealthy))
		report := registry.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Len(t, report.Checks, 3)
		assert.Equal(t, "b", report.Checks["b"].Name)

		registry.Unregister("c")
		assert.Equal(t, []string{"a", "b"}, registry.Names())
	})

	t.Run("slow checks time out", func(t *testing.T) {
		registry := NewRegistry()
		registry.SetMetadata("service", "orders")
		registry.Register(NewCheckFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		report := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
		assert.Equal(t, "orders", report.Metadata["service"])
	})
}

func TestHandlers(t *testing.T) {
	registry := NewRegistry()
	registry.Register(fixed("a", StatusDegraded))

	rec := httptest.NewRecorder()
	NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusDegraded, report.Status)

	rec = httptest.NewRecorder()
	NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	registry.Register(fixed("b", StatusUnhealthy))
	rec = httptest.NewRecorder()
	ReadinessHandler(registry)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", rec.Body.String())
}

func TestWorkerChecker(t *testing.T) {
	server := messaging.NewServer(memory.NewFactory(memory.NewBroker()),
		messaging.WithServerPollTimeout(10*time.Millisecond))
	defer server.Dispose()
	require.NoError(t, messaging.RegisterHandler(server, func(ctx context.Context, msg *contracts.Message[Shipment]) (any, error) {
		return nil, nil
	}))
	checker := NewWorkerChecker(server)

	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "server is Stopped", result.Message)

	require.NoError(t, server.Start(context.Background()))
	result = checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, 1, result.Details["live"])
	assert.Equal(t, "Started", result.Details["Shipment[0]"])
}

func TestRedisCheckers(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	assert.Equal(t, StatusHealthy, NewRedisChecker(rdb).Check(ctx).Status)

	names := contracts.QueueNamesFor[Shipment]()
	depth := NewQueueDepthChecker(names.Dlq, RedisDepth(rdb), 1)
	assert.Equal(t, "queue_"+names.Dlq, depth.Name())
	assert.Equal(t, StatusHealthy, depth.Check(ctx).Status)

	_, err := mr.Lpush(names.Dlq, "a")
	require.NoError(t, err)
	_, err = mr.Lpush(names.Dlq, "b")
	require.NoError(t, err)
	result := depth.Check(ctx)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, int64(2), result.Details["message_count"])

	mr.Close()
	assert.Equal(t, StatusUnhealthy, NewRedisChecker(rdb).Check(ctx).Status)
}

func TestMemoryDepth(t *testing.T) {
	broker := memory.NewBroker()
	client := memory.NewClient(broker)
	defer client.Close()
	require.NoError(t, client.Publish(context.Background(), "orders", contracts.NewMessage(Shipment{})))

	checker := NewQueueDepthChecker("orders", MemoryDepth(broker), 0)
	assert.Equal(t, StatusDegraded, checker.Check(context.Background()).Status)

	failing := NewQueueDepthChecker("orders", func(context.Context, string) (int64, error) {
		return 0, errors.New("boom")
	}, 0)
	assert.Equal(t, StatusUnhealthy, failing.Check(context.Background()).Status)
}

func TestAMQPCheckerWithoutConnection(t *testing.T) {
	checker := NewAMQPChecker(rabbitmq.NewConnectionManager("amqp://localhost:5672"))
	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestRuntimeChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewRuntimeChecker(1_000_000, 2_000_000).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewRuntimeChecker(0, 0).Check(context.Background()).Status)
}

func TestCheckersReportTheirName(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	server := messaging.NewServer(memory.NewFactory(memory.NewBroker()))
	defer server.Dispose()

	checkers := map[string]Checker{
		"workers":      NewWorkerChecker(server),
		"rabbitmq":     NewAMQPChecker(rabbitmq.NewConnectionManager("amqp://localhost:5672")),
		"redis":        NewRedisChecker(rdb),
		"queue_orders": NewQueueDepthChecker("orders", RedisDepth(rdb), 10),
		"runtime":      NewRuntimeChecker(1_000_000, 2_000_000),
		"custom":       fixed("custom", StatusHealthy),
	}
	for name, checker := range checkers {
		assert.Equal(t, name, checker.Name())
		assert.Equal(t, name, checker.Check(context.Background()).Name)
	}
}
