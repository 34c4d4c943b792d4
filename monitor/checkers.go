package monitor

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-mq/internal/rabbitmq"
	"github.com/glimte/mmate-mq/messaging"
	"github.com/glimte/mmate-mq/transports/memory"
)

// WorkerSource exposes the workers of a running server
type WorkerSource interface {
	Status() messaging.WorkerStatus
	Workers() []*messaging.Worker
}

// WorkerChecker reports unhealthy when the server is not started or no
// worker is live, and degraded when some worker has stopped on a fault.
type WorkerChecker struct {
	source WorkerSource
}

// NewWorkerChecker creates a worker checker
func NewWorkerChecker(source WorkerSource) *WorkerChecker {
	return &WorkerChecker{source: source}
}

// Name implements Checker
func (c *WorkerChecker) Name() string { return "workers" }

// Check implements Checker
func (c *WorkerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]any)}

	status := c.source.Status()
	workers := c.source.Workers()
	result.Details["server_status"] = status.String()
	result.Details["workers"] = len(workers)

	live, faulted := 0, 0
	for i, w := range workers {
		key := fmt.Sprintf("%s[%d]", w.MessageType(), i)
		result.Details[key] = w.Status().String()
		if w.Status().IsLive() {
			live++
			continue
		}
		if err := w.LastError(); err != nil {
			faulted++
			result.Details[key+".error"] = err.Error()
		}
	}
	result.Details["live"] = live

	switch {
	case status != messaging.WorkerStarted:
		result.Status = StatusUnhealthy
		result.Message = "server is " + status.String()
	case len(workers) > 0 && live == 0:
		result.Status = StatusUnhealthy
		result.Message = "no worker is running"
	case faulted > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d workers stopped on error", faulted, len(workers))
	default:
		result.Status = StatusHealthy
		result.Message = "all workers running"
	}
	result.Duration = time.Since(start)
	return result
}

// AMQPChecker checks the broker connection by opening a channel
type AMQPChecker struct {
	manager *rabbitmq.ConnectionManager
}

// NewAMQPChecker creates an AMQP connection checker
func NewAMQPChecker(manager *rabbitmq.ConnectionManager) *AMQPChecker {
	return &AMQPChecker{manager: manager}
}

// Name implements Checker
func (c *AMQPChecker) Name() string { return "rabbitmq" }

// Check implements Checker
func (c *AMQPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]any)}

	ch, err := c.manager.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	if err := ch.ExchangeDeclarePassive("amq.direct", "direct", true, false, false, false, nil); err != nil {
		result.Status = StatusDegraded
		result.Message = "exchange check failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RedisChecker pings a Redis server
type RedisChecker struct {
	rdb redis.UniversalClient
}

// NewRedisChecker creates a Redis checker
func NewRedisChecker(rdb redis.UniversalClient) *RedisChecker {
	return &RedisChecker{rdb: rdb}
}

// Name implements Checker
func (c *RedisChecker) Name() string { return "redis" }

// Check implements Checker
func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]any)}

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// DepthFunc returns the number of messages waiting in a queue
type DepthFunc func(ctx context.Context, queueName string) (int64, error)

// RedisDepth measures queues of the Redis transport
func RedisDepth(rdb redis.UniversalClient) DepthFunc {
	return func(ctx context.Context, queueName string) (int64, error) {
		return rdb.LLen(ctx, queueName).Result()
	}
}

// AMQPDepth measures queues of the AMQP transport
func AMQPDepth(manager *rabbitmq.ConnectionManager) DepthFunc {
	return func(ctx context.Context, queueName string) (int64, error) {
		ch, err := manager.Channel()
		if err != nil {
			return 0, err
		}
		defer ch.Close()
		q, err := ch.QueueDeclarePassive(queueName, true, false, false, false, nil)
		if err != nil {
			return 0, err
		}
		return int64(q.Messages), nil
	}
}

// QueueDepthChecker reports degraded once a queue holds more than warnAt
// messages. Typically pointed at dead-letter queues.
type QueueDepthChecker struct {
	queueName string
	depth     DepthFunc
	warnAt    int64
}

// NewQueueDepthChecker creates a queue depth checker
func NewQueueDepthChecker(queueName string, depth DepthFunc, warnAt int64) *QueueDepthChecker {
	return &QueueDepthChecker{queueName: queueName, depth: depth, warnAt: warnAt}
}

// Name implements Checker
func (c *QueueDepthChecker) Name() string { return "queue_" + c.queueName }

// Check implements Checker
func (c *QueueDepthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]any)}

	n, err := c.depth(ctx, c.queueName)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queueName)
		result.Error = err.Error()
		return result
	}

	result.Details["queue_name"] = c.queueName
	result.Details["message_count"] = n
	if n > c.warnAt {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has %d messages", c.queueName, n)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queueName)
	return result
}

// RuntimeChecker watches the goroutine count
type RuntimeChecker struct {
	warnAt     int
	criticalAt int
}

// NewRuntimeChecker creates a goroutine count checker
func NewRuntimeChecker(warnAt, criticalAt int) *RuntimeChecker {
	return &RuntimeChecker{warnAt: warnAt, criticalAt: criticalAt}
}

// Name implements Checker
func (c *RuntimeChecker) Name() string { return "runtime" }

// Check implements Checker
func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]any)}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines
	result.Details["heap_alloc_mb"] = float64(m.HeapAlloc) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC

	switch {
	case goroutines > c.criticalAt:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warnAt:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}
	result.Duration = time.Since(start)
	return result
}

// CheckFunc adapts a function to Checker
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckFunc creates a named checker from fn
func NewCheckFunc(name string, fn func(ctx context.Context) CheckResult) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

// Name implements Checker
func (c *CheckFunc) Name() string { return c.name }

// Check implements Checker
func (c *CheckFunc) Check(ctx context.Context) CheckResult {
	result := c.fn(ctx)
	if result.Name == "" {
		result.Name = c.name
	}
	return result
}

// MemoryDepth measures queues of an in-process broker
func MemoryDepth(b *memory.Broker) DepthFunc {
	return func(ctx context.Context, queueName string) (int64, error) {
		return int64(b.Len(queueName)), nil
	}
}
