// Package contracts provides the message envelope and the shared vocabulary of the mmate queue workers.
//
// This package defines the types that every transport and handler agrees on:
//   - Message[T]: the typed envelope carrying a body plus delivery metadata
//   - Header: the delivery metadata on its own, as transports store it
//   - MessageOption: named delivery flags such as OptionNotifyOneWay
//   - ResponseStatus and MessagingError: the structured error model
//   - QueueNames: the deterministic mapping from a message type to its queues
//
// The envelope never decides its own wire encoding; transports pair the Header
// with a body encoded by a serialization.Codec.
package contracts
