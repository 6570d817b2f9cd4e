package hermes

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hermes-mq/hermes/errors"
	"github.com/hermes-mq/hermes/log"
)

// subscription binds a compiled routing pattern to a composed handler.
type subscription struct {
	pattern  string
	re       *regexp.Regexp
	composed ComposedHandler
}

// Subscriber consumes a queue bound to one or more routing-key patterns,
// dispatching every inbound message to each handler whose pattern matches.
type Subscriber struct {
	cm       *ConnectionManager
	pool     *ChannelPool
	log      log.Logger
	parser   *MessageParser
	name     string
	exchange string
	exKind   string
	queue    Queue

	mode              DispatchMode
	maxReconnects     int
	handlerTimeout    time.Duration
	slowWarn          time.Duration
	slowError         time.Duration
	onSlowMessage     func(eventName, messageID string, dur time.Duration, level string)
	onHandlerError    func(eventName, messageID string, err error)
	maxRetries        int
	requeuePredicate  func(error) bool

	mu      sync.Mutex
	global  []Middleware
	entries []*subscription
	running bool
	lc      *LeasedChannel
	tag     string
	stopCh  chan struct{}

	inFlight  int64
	consumers int64
}

// SubscriberConfig names the exchange and queue a Subscriber binds to.
type SubscriberConfig struct {
	// Exchange is the exchange patterns are bound against.
	Exchange string

	// ExchangeKind is the exchange type used if it must be declared
	// ("topic" is the only kind meaningful with pattern matching).
	ExchangeKind string

	// Queue names the queue to consume; empty requests a server-generated
	// exclusive queue.
	Queue Queue
}

// NewSubscriber constructs a Subscriber bound to cfg.Exchange/cfg.Queue,
// leasing a dedicated long-lived channel from cm.
func NewSubscriber(cm *ConnectionManager, cfg SubscriberConfig, opts ...Option) (*Subscriber, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	pool, err := NewChannelPool(cm, opts...)
	if err != nil {
		return nil, err
	}
	kind := cfg.ExchangeKind
	if kind == "" {
		kind = "topic"
	}
	name := o.name
	if name == "" {
		name = "subscriber"
	}
	return &Subscriber{
		cm:               cm,
		pool:             pool,
		log:              o.logger,
		parser:           NewMessageParser(o.parserMaxSize),
		name:             name,
		exchange:         cfg.Exchange,
		exKind:           kind,
		queue:            cfg.Queue,
		mode:             o.subscriberMode,
		maxReconnects:    o.maxReconnects,
		handlerTimeout:   o.handlerTimeout,
		slowWarn:         o.slowWarnThreshold,
		slowError:        o.slowErrorThreshold,
		onSlowMessage:    o.onSlowMessage,
		onHandlerError:   o.onHandlerError,
		maxRetries:       o.maxRetries,
		requeuePredicate: o.requeuePredicate,
	}, nil
}

// Use prepends a global middleware wrapping every handler registered with
// On after this call; handlers registered earlier keep the chain they were
// composed with.
func (s *Subscriber) Use(mw ...Middleware) {
	s.mu.Lock()
	s.global = append(s.global, mw...)
	s.mu.Unlock()
}

// On registers a handler for every inbound message whose resolved event
// name matches pattern.
func (s *Subscriber) On(pattern string, mw []Middleware, h Handler) error {
	re, err := compilePattern(pattern)
	if err != nil {
		return errors.Validation("invalid routing pattern", map[string]interface{}{"pattern": pattern})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	composed := Compose(append(append([]Middleware{}, s.global...), mw...), h)
	s.entries = append(s.entries, &subscription{pattern: pattern, re: re, composed: composed})
	return nil
}

// Start asserts the exchange (if named) and queue, binds the queue to every
// unique registered pattern, sets prefetch and begins consuming. Fails if no
// handlers are registered.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if len(s.entries) == 0 {
		s.mu.Unlock()
		return errors.Validation("subscriber has no registered handlers", nil)
	}
	s.mu.Unlock()

	lc, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}

	if s.exchange != "" {
		if err := lc.ExchangeDeclare(s.exchange, s.exKind, true, false, false, false, nil); err != nil {
			lc.Release()
			return errors.Exchange("exchange assertion failed", map[string]interface{}{"exchange": s.exchange})
		}
	}

	queueName, err := lc.QueueDeclare(s.queue.Name, s.queue.Durable, s.queue.AutoDelete, s.queue.Exclusive, false, Table(s.queue.Arguments))
	if err != nil {
		lc.Release()
		return errors.Channel("queue assertion failed", map[string]interface{}{"queue": s.queue.Name})
	}
	s.queue.Name = queueName

	if s.exchange != "" {
		seen := make(map[string]bool)
		s.mu.Lock()
		patterns := make([]string, 0, len(s.entries))
		for _, e := range s.entries {
			if !seen[e.pattern] {
				seen[e.pattern] = true
				patterns = append(patterns, e.pattern)
			}
		}
		s.mu.Unlock()
		for _, p := range patterns {
			if err := lc.QueueBind(queueName, p, s.exchange, false, nil); err != nil {
				lc.Release()
				return errors.Channel("queue binding failed", map[string]interface{}{"pattern": p})
			}
		}
	}

	return s.beginConsuming(lc)
}

func (s *Subscriber) beginConsuming(lc *LeasedChannel) error {
	tag := fmt.Sprintf("%s-%d", s.name, time.Now().UnixNano())
	deliveries, err := lc.Consume(s.queue.Name, tag, false, false, false, false, nil)
	if err != nil {
		lc.Release()
		return errors.Channel("consume failed", nil)
	}

	s.mu.Lock()
	s.lc = lc
	s.tag = tag
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()
	atomic.AddInt64(&s.consumers, 1)

	go s.consumeLoop(deliveries)
	return nil
}

// consumeLoop ranges over deliveries until the channel closes (broker
// cancel or Stop), dispatching each to dispatch in its own goroutine so a
// slow handler does not hold up the next delivery's parse/match stage.
func (s *Subscriber) consumeLoop(deliveries <-chan Delivery) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				s.handleConsumerLoss()
				return
			}
			go s.dispatch(d)
		case <-s.stopCh:
			return
		}
	}
}

// handleConsumerLoss implements the consumer-recovery contract: mark not
// running, then retry re-registration with exponential backoff capped at
// 60s, up to maxReconnects attempts (0 = unlimited).
func (s *Subscriber) handleConsumerLoss() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	atomic.AddInt64(&s.consumers, -1)

	select {
	case <-s.stopCh:
		return
	default:
	}

	for attempt := 1; s.maxReconnects == 0 || attempt <= s.maxReconnects; attempt++ {
		delay := 5 * time.Second * time.Duration(1<<uint(attempt-1))
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
		select {
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}

		lc, err := s.pool.Acquire(context.Background())
		if err != nil {
			s.log.WithField("error", err.Error()).Warning("failed reacquiring channel for subscriber recovery")
			continue
		}
		if err := s.beginConsuming(lc); err != nil {
			s.log.WithField("error", err.Error()).Warning("failed restarting consumer")
			continue
		}
		return
	}
	s.log.Error("subscriber gave up recovering its consumer")
}

// dispatch runs the full per-message pipeline: parse, resolve event name,
// match against registered patterns, execute handlers under the configured
// dispatch mode, then ack/nack.
func (s *Subscriber) dispatch(d Delivery) {
	atomic.AddInt64(&s.inFlight, 1)
	defer atomic.AddInt64(&s.inFlight, -1)

	props := MessageProperties{
		ContentType:   d.ContentType,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Headers:       d.Headers,
	}

	payload, failure := s.parser.Parse(d.Body, props, ParseOptions{OnMalformed: StrategyReject})
	if failure != nil {
		s.log.WithField("error", failure.Error()).Warning("malformed message")
		switch failure.Strategy {
		case StrategyIgnore:
			_ = d.Ack(false)
		default:
			_ = d.Nack(false, false)
		}
		return
	}

	eventName := d.RoutingKey
	if env, ok := payload.(map[string]interface{}); ok {
		if name, ok := env["eventName"].(string); ok && name != "" {
			eventName = name
		}
	}

	matched := s.matching(eventName)
	if len(matched) == 0 {
		s.log.WithField("event", eventName).Debug("no handler matched, acking")
		_ = d.Ack(false)
		return
	}

	msg := &Message{
		EventName:  eventName,
		Data:       payload,
		Properties: props,
		RoutingKey: d.RoutingKey,
		Timestamp:  time.Now(),
	}

	var err error
	switch s.mode {
	case DispatchIsolated:
		err = s.runIsolated(matched, msg)
	default:
		err = s.runStrict(matched, msg)
	}

	if err != nil {
		s.nackWithPolicy(d, err)
		return
	}
	_ = d.Ack(false)
}

// nackWithPolicy applies the transient/permanent error taxonomy from §4.7:
// an error explicitly classified Transient is nack-requeued, subject to the
// requeue predicate and the retry-count ceiling derived from x-death/
// x-retry-count headers; anything else (permanent, unclassified, or past
// maxRetries) is nack-dropped.
func (s *Subscriber) nackWithPolicy(d Delivery, cause error) {
	kind, tagged := errors.KindOf(cause)
	attempts := retryCountFromHeaders(d.Headers)
	requeue := tagged && kind == errors.KindTransient && attempts < s.maxRetries && s.requeuePredicate(cause)
	if requeue {
		s.log.WithField("attempts", attempts).Warning("handler failed transiently, nack-requeuing")
	} else {
		s.log.WithField("error", cause.Error()).Warning("handler failed, nack-dropping")
	}
	_ = d.Nack(false, requeue)
}

func (s *Subscriber) matching(eventName string) []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*subscription
	for _, e := range s.entries {
		if e.re.MatchString(eventName) {
			out = append(out, e)
		}
	}
	return out
}

// runStrict executes every matched handler concurrently; if any fails, the
// message is nacked per nackWithPolicy once all have completed.
func (s *Subscriber) runStrict(matched []*subscription, msg *Message) error {
	g, ctx := errgroup.WithContext(context.Background())
	for _, e := range matched {
		e := e
		g.Go(func() error {
			return s.runOne(ctx, e, msg)
		})
	}
	return g.Wait()
}

// runIsolated executes every matched handler concurrently; the message is
// always acked, and per-handler failures are reported out of band.
func (s *Subscriber) runIsolated(matched []*subscription, msg *Message) error {
	var wg sync.WaitGroup
	for _, e := range matched {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.runOne(context.Background(), e, msg); err != nil {
				if s.onHandlerError != nil {
					s.onHandlerError(msg.EventName, msg.Properties.MessageID, err)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// runOne executes a single matched handler, applying the optional
// wall-clock timeout and slow-message detection.
func (s *Subscriber) runOne(ctx context.Context, e *subscription, msg *Message) error {
	if s.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handlerTimeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		_, err := e.composed(ctx, msg)
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = errors.Timeout("handler timed out", map[string]interface{}{"pattern": e.pattern})
	}

	dur := time.Since(start)
	s.checkSlow(msg, dur)
	return err
}

func (s *Subscriber) checkSlow(msg *Message, dur time.Duration) {
	if s.onSlowMessage == nil {
		return
	}
	if s.slowError > 0 && dur >= s.slowError {
		s.onSlowMessage(msg.EventName, msg.Properties.MessageID, dur, "error")
		return
	}
	if s.slowWarn > 0 && dur >= s.slowWarn {
		s.onSlowMessage(msg.EventName, msg.Properties.MessageID, dur, "warn")
	}
}

// Stop cancels the consumer and closes its channel, marking the subscriber
// stopped.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	lc := s.lc
	tag := s.tag
	close(s.stopCh)
	s.mu.Unlock()

	if lc != nil {
		_ = lc.Cancel(tag, false)
		lc.Release()
	}
	return s.pool.Drain(ctx)
}

// IsRunning reports whether the subscriber currently has an active
// consumer.
func (s *Subscriber) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ConsumerCount reports the number of currently active consumers (0 or 1;
// exposed as a counter for parity with RpcServer and to support future
// multi-consumer fan-out).
func (s *Subscriber) ConsumerCount() int64 {
	return atomic.LoadInt64(&s.consumers)
}

// InFlightCount reports the number of deliveries currently being
// dispatched.
func (s *Subscriber) InFlightCount() int64 {
	return atomic.LoadInt64(&s.inFlight)
}

// retryCountFromHeaders resolves the prior attempt count for a delivery,
// preferring the explicit x-retry-count header and falling back to the sum
// of x-death[].count entries when it is absent, per the two
// retry-count-sources resolution.
func retryCountFromHeaders(headers Table) int {
	if headers == nil {
		return 0
	}
	if v, ok := headers["x-retry-count"]; ok {
		return toInt(v)
	}
	deaths, ok := headers["x-death"].([]interface{})
	if !ok {
		return 0
	}
	total := 0
	for _, raw := range deaths {
		entry, ok := raw.(Table)
		if !ok {
			continue
		}
		total += toInt(entry["count"])
	}
	return total
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
