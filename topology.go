package hermes

import "time"

// Topology describes the broker entities a publisher or subscriber expects
// to exist. Missing entities are declared on connect; existing ones are
// left untouched.
type Topology struct {
	// Exchanges provide destinations where messages are sent.
	Exchanges []Exchange `json:"exchanges,omitempty" yaml:",omitempty"`

	// Queues store messages for consumption.
	Queues []Queue `json:"queues,omitempty" yaml:",omitempty"`

	// Bindings connect exchanges to queues to route messages.
	Bindings []Binding `json:"bindings,omitempty" yaml:",omitempty"`
}

// Queue stores messages consumed by applications.
type Queue struct {
	// Name is the queue identifier. May be empty, in which case the broker
	// generates a unique name.
	Name string `json:"name"`

	// Durable queues survive broker restarts.
	Durable bool `json:"durable"`

	// AutoDelete removes the queue once its last consumer disconnects.
	AutoDelete bool `json:"auto_delete" yaml:"auto_delete"`

	// Exclusive queues are only usable by the connection that declared them.
	Exclusive bool `json:"exclusive"`

	// Arguments carries queue declaration arguments such as
	// "x-message-ttl", "x-max-length", "x-dead-letter-exchange", etc.
	Arguments map[string]interface{} `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Exchange is a routing node that dispatches messages into zero or more
// queues based on its kind and the bindings attached to it.
type Exchange struct {
	// Name uniquely identifies the exchange.
	Name string `json:"name"`

	// Kind is one of "direct", "fanout", "topic" or "headers".
	Kind string `json:"kind"`

	// Durable exchanges survive broker restarts.
	Durable bool `json:"durable"`

	// AutoDelete removes the exchange once its last binding is removed.
	AutoDelete bool `json:"auto_delete" yaml:"auto_delete"`

	// Internal exchanges do not accept directly published messages.
	Internal bool `json:"internal"`

	// Arguments carries additional exchange declaration arguments.
	Arguments map[string]interface{} `json:"arguments,omitempty" yaml:",omitempty"`
}

// Binding connects an exchange to a queue so that messages matching the
// routing key pattern are delivered to it.
type Binding struct {
	// Exchange is the name of the exchange to bind.
	Exchange string `json:"exchange" yaml:"exchange"`

	// Queue is the name of the queue to bind.
	Queue string `json:"queue" yaml:"queue"`

	// RoutingKey lists the routing keys/patterns used for the binding. A
	// single binding is created per entry; an empty list binds with "".
	RoutingKey []string `json:"routing_key" yaml:"routing_key"`

	// Arguments carries additional binding arguments (used by "headers"
	// exchanges).
	Arguments map[string]interface{} `json:"arguments,omitempty" yaml:",omitempty"`
}

// OverflowMode adjusts the behavior of a queue once it reaches its maximum
// length.
type OverflowMode string

const (
	// OverflowDropHead discards the oldest ready messages first. Default
	// broker behavior.
	OverflowDropHead OverflowMode = "drop-head"

	// OverflowReject discards the most recently published messages.
	OverflowReject OverflowMode = "reject-publish"

	// OverflowRejectDL discards the most recently published messages and
	// routes them to the dead-letter exchange, if configured.
	OverflowRejectDL OverflowMode = "reject-publish-dlx"
)

// QueueOptions adjusts commonly used per-queue arguments without requiring
// callers to build a raw arguments map.
type QueueOptions struct {
	// MessageTTL bounds how long a message may sit in the queue.
	MessageTTL *time.Duration

	// Expiration bounds how long the queue may remain unused.
	Expiration *time.Duration

	// MaxLength bounds the number of ready messages kept in the queue.
	MaxLength uint

	// MaxLengthBytes bounds the total body size of ready messages.
	MaxLengthBytes uint

	// DLExchange names the exchange rejected/expired messages are
	// republished to.
	DLExchange string

	// DLRoutingKey overrides the routing key used when dead-lettering.
	DLRoutingKey string

	// MaxPriority enables priority support, 0-9.
	MaxPriority uint8

	// Overflow selects the behavior applied once MaxLength is reached.
	Overflow OverflowMode
}

// AsArguments renders the options as a queue-declaration arguments map.
func (qo *QueueOptions) AsArguments() map[string]interface{} {
	list := make(map[string]interface{})
	if qo == nil {
		return list
	}
	if qo.MessageTTL != nil {
		list["x-message-ttl"] = qo.MessageTTL.Milliseconds()
	}
	if qo.Expiration != nil {
		list["x-expires"] = qo.Expiration.Milliseconds()
	}
	if qo.MaxLength > 0 {
		list["x-max-length"] = qo.MaxLength
	}
	if qo.MaxLengthBytes > 0 {
		list["x-max-length-bytes"] = qo.MaxLengthBytes
	}
	if qo.DLExchange != "" {
		list["x-dead-letter-exchange"] = qo.DLExchange
	}
	if qo.DLRoutingKey != "" {
		list["x-dead-letter-routing-key"] = qo.DLRoutingKey
	}
	if qo.MaxPriority > 0 && qo.MaxPriority <= 9 {
		list["x-max-priority"] = qo.MaxPriority
	}
	if qo.Overflow != "" {
		list["x-overflow"] = qo.Overflow
	}
	return list
}

// DLQOptions configures the companion dead-letter queue asserted alongside
// a main queue by AssertQueueWithDLQ.
type DLQOptions struct {
	// MessageTTL bounds how long a dead-lettered message is retained.
	MessageTTL time.Duration

	// MaxLength bounds the number of dead-lettered messages retained.
	MaxLength uint

	// Exchange names the dead-letter exchange; defaults to "dlx".
	Exchange string

	// DeadRoutingKey overrides the routing key the DLQ is bound with;
	// defaults to "<queue>.dead".
	DeadRoutingKey string
}

// dlqDefaults fills in the conventional names documented for the DLQ
// convention: per main queue Q, a DLQ named "Q.dlq", a "dlx" direct
// exchange, and a "Q.dead" routing key.
func (o DLQOptions) withDefaults(queue string) DLQOptions {
	if o.Exchange == "" {
		o.Exchange = "dlx"
	}
	if o.DeadRoutingKey == "" {
		o.DeadRoutingKey = queue + ".dead"
	}
	return o
}

func dlqName(queue string) string {
	return queue + ".dlq"
}
