package hermes

import (
	"crypto/tls"
	"time"

	driver "github.com/rabbitmq/amqp091-go"
)

// Delivery represents a message delivered by the broker to a consumer.
type Delivery = driver.Delivery

// Return captures the fields reported by the broker when a published
// message could not be routed (mandatory publish, no matching queue).
type Return = driver.Return

// Confirmation reports the broker's acknowledgement of a published message
// when the channel operates in confirm mode.
type Confirmation = driver.Confirmation

// Table is an AMQP field table, used for queue/exchange arguments and
// message headers.
type Table = driver.Table

// Publishing is the payload and properties submitted to the broker for a
// single message.
type Publishing = driver.Publishing

// BrokerError reports a connection or channel closure reported by the
// broker, including its AMQP reply code.
type BrokerError = driver.Error

// BrokerConnection is the abstract surface this package requires from an
// AMQP connection. The concrete implementation wraps amqp091-go; tests
// substitute an in-package fake so the coordination layer can be exercised
// without a live broker.
type BrokerConnection interface {
	// Channel opens a new logical channel over the connection.
	Channel() (BrokerChannel, error)

	// IsClosed reports whether the connection has already been torn down,
	// either by the caller or by the broker.
	IsClosed() bool

	// Close terminates the connection.
	Close() error

	// NotifyClose registers a listener that receives the closing error (nil
	// on a clean, caller-initiated close) when the connection goes away.
	NotifyClose(c chan *BrokerError) chan *BrokerError
}

// BrokerChannel is the abstract surface this package requires from an AMQP
// channel.
type BrokerChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error

	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args Table) (string, error)
	QueueBind(name, key, exchange string, noWait bool, args Table) error

	Publish(exchange, key string, mandatory, immediate bool, msg Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args Table) (<-chan Delivery, error)
	Cancel(consumer string, noWait bool) error

	NotifyClose(c chan *BrokerError) chan *BrokerError
	NotifyPublish(c chan Confirmation) chan Confirmation
	NotifyReturn(c chan Return) chan Return

	Close() error
}

// Dialer establishes a new connection to the broker at addr. The default
// dialer (DefaultDialer) wraps amqp091-go; tests inject a fake.
type Dialer func(addr string, cfg DialConfig) (BrokerConnection, error)

// DialConfig carries the connection-time settings a Dialer may need.
type DialConfig struct {
	// Heartbeat is the requested AMQP heartbeat interval. Zero uses the
	// driver default.
	Heartbeat time.Duration

	// Properties are connection-level client properties advertised to the
	// broker (e.g. a connection name visible in the management UI).
	Properties map[string]interface{}

	// TLSClientConfig enables amqps:// connections. Nil uses plaintext.
	TLSClientConfig *tls.Config
}

// DefaultDialer dials a real broker using amqp091-go.
func DefaultDialer(addr string, cfg DialConfig) (BrokerConnection, error) {
	amqpCfg := driver.Config{
		Heartbeat:       cfg.Heartbeat,
		Properties:      driver.Table(cfg.Properties),
		TLSClientConfig: cfg.TLSClientConfig,
	}
	if amqpCfg.Heartbeat == 0 {
		amqpCfg.Heartbeat = 10 * time.Second
	}
	conn, err := driver.DialConfig(addr, amqpCfg)
	if err != nil {
		return nil, err
	}
	return &brokerConn{conn: conn}, nil
}

// brokerConn adapts *driver.Connection to BrokerConnection.
type brokerConn struct {
	conn *driver.Connection
}

func (b *brokerConn) Channel() (BrokerChannel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &brokerChannel{ch: ch}, nil
}

func (b *brokerConn) IsClosed() bool { return b.conn.IsClosed() }

func (b *brokerConn) Close() error { return b.conn.Close() }

func (b *brokerConn) NotifyClose(c chan *BrokerError) chan *BrokerError {
	return b.conn.NotifyClose(c)
}

// brokerChannel adapts *driver.Channel to BrokerChannel.
type brokerChannel struct {
	ch *driver.Channel
}

func (b *brokerChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return b.ch.Qos(prefetchCount, prefetchSize, global)
}

func (b *brokerChannel) Confirm(noWait bool) error { return b.ch.Confirm(noWait) }

func (b *brokerChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args Table) error {
	return b.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

func (b *brokerChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args Table) (string, error) {
	q, err := b.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (b *brokerChannel) QueueBind(name, key, exchange string, noWait bool, args Table) error {
	return b.ch.QueueBind(name, key, exchange, noWait, args)
}

func (b *brokerChannel) Publish(exchange, key string, mandatory, immediate bool, msg Publishing) error {
	return b.ch.Publish(exchange, key, mandatory, immediate, msg)
}

func (b *brokerChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args Table) (<-chan Delivery, error) {
	return b.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (b *brokerChannel) Cancel(consumer string, noWait bool) error {
	return b.ch.Cancel(consumer, noWait)
}

func (b *brokerChannel) NotifyClose(c chan *BrokerError) chan *BrokerError {
	return b.ch.NotifyClose(c)
}

func (b *brokerChannel) NotifyPublish(c chan Confirmation) chan Confirmation {
	return b.ch.NotifyPublish(c)
}

func (b *brokerChannel) NotifyReturn(c chan Return) chan Return {
	return b.ch.NotifyReturn(c)
}

func (b *brokerChannel) Close() error { return b.ch.Close() }
