// Package rabbitmq holds the AMQP connection plumbing shared by the
// rabbitmq transport.
//
// This package includes:
//   - ConnectionManager: owns the AMQP connection and re-dials it with exponential backoff
//   - ConnectionStateListener: callbacks for connect, disconnect and reconnect attempts
//   - Typed errors: ConnectionError and ChannelError, inspected with errors.As
//
// Transports open one channel per queue client through
// ConnectionManager.Channel and reopen it after a reconnect.
package rabbitmq
