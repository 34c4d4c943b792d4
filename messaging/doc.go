// Package messaging provides the transport-agnostic queue worker core of mmate.
//
// This package implements:
//   - QueueClient, Delivery, Producer, ClientFactory: the contract every broker backend fulfils
//   - MessageHandler[T]: the single-threaded processing loop for one message type
//   - Worker: a goroutine driving one handler through a lifecycle state machine
//   - Server: a supervisor that registers handlers and runs their workers
//   - MessageHandlerStats: per-handler counters and their additive aggregation
//   - Interceptor: middleware around the handler function (logging, timeout, validation, filtering)
//
// Processing guarantees:
//   - At-least-once delivery: a message is acknowledged only after the handler succeeds
//   - Priority lane precedence: Process drains the priority lane before the default lane
//   - Ordered retry: recoverable failures are requeued with RetryAttempts incremented by one
//   - Safe shutdown: Stop lets the in-flight message finish and unblocks a waiting Get
//
// Example usage:
//
//	factory := memory.NewFactory(memory.NewBroker())
//	server := messaging.NewServer(factory)
//
//	err := messaging.RegisterHandler(server,
//		func(ctx context.Context, msg *contracts.Message[PlaceOrder]) (any, error) {
//			if msg.Body.Quantity <= 0 {
//				return nil, messaging.Terminal(errors.New("quantity must be positive"))
//			}
//			return OrderPlaced{OrderID: msg.Body.OrderID}, nil
//		},
//		messaging.WithWorkerCount(2),
//		messaging.WithRetryLimit(3),
//	)
//
//	err = server.Start(ctx)
//	defer server.Dispose()
//
//	producer, err := server.Producer()
//	err = messaging.PublishBody(ctx, producer, PlaceOrder{OrderID: "o-1", Quantity: 2})
package messaging
