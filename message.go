package hermes

import "time"

// Message is the mutable unit of work threaded through a middleware chain.
// Subscriber and RpcServer each populate one per inbound delivery; a
// middleware may replace the pointer passed to next() to hand a modified
// view downstream.
type Message struct {
	// EventName is the pub/sub event name, or the RPC command name.
	EventName string

	// Data is the decoded payload.
	Data interface{}

	// Metadata is the arbitrary map carried on the envelope, if any.
	Metadata map[string]interface{}

	// Timestamp is the envelope's creation time.
	Timestamp time.Time

	// Properties mirrors the broker message properties for this delivery.
	Properties MessageProperties

	// RoutingKey is the broker routing key the message arrived on.
	RoutingKey string
}
