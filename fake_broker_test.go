package hermes

import (
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

// fakeAcker is an in-memory amqp091.Acknowledger recording Ack/Nack calls so
// tests can assert on a handler's disposition without a live broker.
type fakeAcker struct {
	acked    int32
	nacked   int32
	requeued int32
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	atomic.AddInt32(&f.acked, 1)
	return nil
}

func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	atomic.AddInt32(&f.nacked, 1)
	if requeue {
		atomic.AddInt32(&f.requeued, 1)
	}
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type fakeBinding struct {
	queue string
	re    *regexp.Regexp
}

type fakeExchangeDef struct {
	kind     string
	bindings []fakeBinding
}

type fakeQueueDef struct {
	buf chan Delivery
}

func newFakeQueueDef() *fakeQueueDef {
	return &fakeQueueDef{buf: make(chan Delivery, 256)}
}

// fakeBroker is a minimal in-memory stand-in for a RabbitMQ broker,
// implementing just enough topic/direct/fanout routing semantics to drive
// the coordination layer's tests without a live broker.
type fakeBroker struct {
	mu        sync.Mutex
	exchanges map[string]*fakeExchangeDef
	queues    map[string]*fakeQueueDef
	closed    bool
	closeSubs []chan *BrokerError
	genSeq    int
	tagSeq    uint64
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: map[string]*fakeExchangeDef{},
		queues:    map[string]*fakeQueueDef{},
	}
}

func (b *fakeBroker) dialer() Dialer {
	return func(addr string, cfg DialConfig) (BrokerConnection, error) {
		return &fakeConn{broker: b}, nil
	}
}

func (b *fakeBroker) Channel() (BrokerChannel, error) { return &fakeChannel{broker: b}, nil }

func (b *fakeBroker) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.closeSubs
	b.closeSubs = nil
	b.mu.Unlock()
	for _, c := range subs {
		close(c)
	}
	return nil
}

func (b *fakeBroker) NotifyClose(c chan *BrokerError) chan *BrokerError {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeSubs = append(b.closeSubs, c)
	return c
}

func (b *fakeBroker) queue(name string) *fakeQueueDef {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newFakeQueueDef()
		b.queues[name] = q
	}
	return q
}

// fakeConn adapts fakeBroker to BrokerConnection; every ConnectionManager
// shares the same underlying broker state, matching a single live
// connection's channels all seeing the same exchanges/queues.
type fakeConn struct {
	broker *fakeBroker
}

func (c *fakeConn) Channel() (BrokerChannel, error) { return c.broker.Channel() }
func (c *fakeConn) IsClosed() bool                  { return c.broker.IsClosed() }
func (c *fakeConn) Close() error                    { return c.broker.Close() }
func (c *fakeConn) NotifyClose(ch chan *BrokerError) chan *BrokerError {
	return c.broker.NotifyClose(ch)
}

// fakeChannel adapts fakeBroker to BrokerChannel. Every channel shares the
// broker's exchange/queue state; only consumers are channel-scoped.
type fakeChannel struct {
	broker   *fakeBroker
	mu       sync.Mutex
	stops    map[string]func()
	confirms chan Confirmation
}

func (c *fakeChannel) Qos(int, int, bool) error   { return nil }
func (c *fakeChannel) Confirm(bool) error         { return nil }

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if _, ok := c.broker.exchanges[name]; !ok {
		c.broker.exchanges[name] = &fakeExchangeDef{kind: kind}
	}
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args Table) (string, error) {
	if name == "" {
		c.broker.mu.Lock()
		c.broker.genSeq++
		name = fmt.Sprintf("amq.gen-%d", c.broker.genSeq)
		c.broker.mu.Unlock()
	}
	c.broker.queue(name)
	return name, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	ex, ok := c.broker.exchanges[exchange]
	if !ok {
		ex = &fakeExchangeDef{kind: "topic"}
		c.broker.exchanges[exchange] = ex
	}
	var re *regexp.Regexp
	if ex.kind != "fanout" {
		compiled, err := compilePattern(key)
		if err != nil {
			return err
		}
		re = compiled
	}
	ex.bindings = append(ex.bindings, fakeBinding{queue: name, re: re})
	return nil
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg Publishing) error {
	d := Delivery{
		Acknowledger:    &fakeAcker{},
		Headers:         msg.Headers,
		ContentType:     msg.ContentType,
		DeliveryMode:    msg.DeliveryMode,
		CorrelationId:   msg.CorrelationId,
		ReplyTo:         msg.ReplyTo,
		MessageId:       msg.MessageId,
		Timestamp:       msg.Timestamp,
		Exchange:        exchange,
		RoutingKey:      key,
		Body:            msg.Body,
		DeliveryTag:     atomic.AddUint64(&c.broker.tagSeq, 1),
	}

	var targets []string
	if exchange == "" {
		targets = []string{key}
	} else {
		c.broker.mu.Lock()
		ex, ok := c.broker.exchanges[exchange]
		if ok {
			for _, bind := range ex.bindings {
				if bind.re == nil || bind.re.MatchString(key) {
					targets = append(targets, bind.queue)
				}
			}
		}
		c.broker.mu.Unlock()
	}

	for _, t := range targets {
		q := c.broker.queue(t)
		select {
		case q.buf <- d:
		default:
		}
	}

	c.mu.Lock()
	confirms := c.confirms
	c.mu.Unlock()
	if confirms != nil {
		select {
		case confirms <- Confirmation{DeliveryTag: d.DeliveryTag, Ack: true}:
		default:
		}
	}
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args Table) (<-chan Delivery, error) {
	q := c.broker.queue(queue)
	out := make(chan Delivery, 16)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				close(out)
				return
			case d, ok := <-q.buf:
				if !ok {
					close(out)
					return
				}
				select {
				case out <- d:
				case <-stop:
					close(out)
					return
				}
			}
		}
	}()

	c.mu.Lock()
	if c.stops == nil {
		c.stops = map[string]func(){}
	}
	c.stops[consumer] = func() { close(stop) }
	c.mu.Unlock()
	return out, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	stop, ok := c.stops[consumer]
	delete(c.stops, consumer)
	c.mu.Unlock()
	if ok {
		stop()
	}
	return nil
}

func (c *fakeChannel) NotifyClose(ch chan *BrokerError) chan *BrokerError { return ch }

func (c *fakeChannel) NotifyPublish(ch chan Confirmation) chan Confirmation {
	c.mu.Lock()
	c.confirms = ch
	c.mu.Unlock()
	return ch
}

func (c *fakeChannel) NotifyReturn(ch chan Return) chan Return { return ch }

func (c *fakeChannel) Close() error { return nil }

func eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
