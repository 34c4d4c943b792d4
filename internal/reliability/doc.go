// Package reliability provides retry helpers for transport operations.
//
// This package implements:
//   - Retry policy: exponential backoff with jitter
//   - Retry: runs an operation until it succeeds, the policy gives up or the context ends
//   - Retryable classification: errors opt out of retries by implementing IsRetryable
//
// Transports use Retry around connection setup and publishing so a broker
// blip does not surface as a fault. Message handlers reuse the retryable
// classification to tell recoverable failures from terminal ones.
//
// Example usage:
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 5)
//	err := Retry(ctx, policy, "ping", func() error {
//	    return client.Ping(ctx).Err()
//	})
package reliability
