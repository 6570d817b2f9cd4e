package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hermes-mq/hermes/errors"
	"github.com/hermes-mq/hermes/log"
)

// maxDelay is the largest accepted delayed-publish window: 24 hours.
const maxDelay = 24 * time.Hour

// PublishOptions adjusts a single Publish/PublishToMany call.
type PublishOptions struct {
	Exchange    string
	RoutingKey  string
	Persistent  bool
	Metadata    map[string]interface{}
	Delay       time.Duration
	ScheduledAt time.Time
	Middlewares []Middleware
}

// PublishOption mutates a PublishOptions value.
type PublishOption func(*PublishOptions)

// ToExchange sets the destination exchange. Defaults to the default
// (nameless) exchange.
func ToExchange(name string) PublishOption {
	return func(o *PublishOptions) { o.Exchange = name }
}

// WithRoutingKey sets the routing key used to publish.
func WithRoutingKey(key string) PublishOption {
	return func(o *PublishOptions) { o.RoutingKey = key }
}

// Persistent marks the message for disk persistence on durable queues.
func Persistent() PublishOption {
	return func(o *PublishOptions) { o.Persistent = true }
}

// WithMetadata attaches arbitrary metadata to the envelope.
func WithMetadata(md map[string]interface{}) PublishOption {
	return func(o *PublishOptions) { o.Metadata = md }
}

// WithDelay schedules delivery at least d in the future via a TTL delay
// queue. d must not exceed 24h.
func WithDelay(d time.Duration) PublishOption {
	return func(o *PublishOptions) { o.Delay = d }
}

// WithScheduledAt schedules delivery at (or shortly after) t. A t already in
// the past falls back to an immediate publish.
func WithScheduledAt(t time.Time) PublishOption {
	return func(o *PublishOptions) { o.ScheduledAt = t }
}

// WithPerCallMiddlewares layers additional middlewares around this call
// only, running after the publisher's global ones.
func WithPerCallMiddlewares(mw ...Middleware) PublishOption {
	return func(o *PublishOptions) { o.Middlewares = append(o.Middlewares, mw...) }
}

// Publisher declares exchanges and publishes envelopes in confirm mode,
// supporting fan-out publishes and TTL-queue-based delayed delivery.
type Publisher struct {
	cm   *ConnectionManager
	pool *ChannelPool
	log  log.Logger
	name string

	mu       sync.Mutex
	global   []Middleware
	asserted map[string]bool
}

// NewPublisher constructs a Publisher leasing channels from cm.
func NewPublisher(cm *ConnectionManager, opts ...Option) (*Publisher, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	pool, err := NewChannelPool(cm, opts...)
	if err != nil {
		return nil, err
	}
	name := o.name
	if name == "" {
		name = "publisher"
	}
	return &Publisher{
		cm:       cm,
		pool:     pool,
		log:      o.logger,
		name:     name,
		asserted: make(map[string]bool),
	}, nil
}

// Use prepends a global middleware wrapping every subsequent Publish call.
func (p *Publisher) Use(mw ...Middleware) {
	p.mu.Lock()
	p.global = append(p.global, mw...)
	p.mu.Unlock()
}

// Publish sends a single envelope to opts.Exchange (default exchange if
// unset), waiting for the broker's publish confirmation before returning.
func (p *Publisher) Publish(ctx context.Context, eventName string, data interface{}, opts ...PublishOption) error {
	po := &PublishOptions{}
	for _, opt := range opts {
		opt(po)
	}
	return p.PublishToMany(ctx, []string{po.Exchange}, eventName, data, opts...)
}

// PublishToMany fans a single logical message out to every exchange in
// exchanges, each as an independent confirm-mode publish. Atomicity is
// guaranteed per-exchange only: a failure on one exchange does not roll back
// a success on another.
func (p *Publisher) PublishToMany(ctx context.Context, exchanges []string, eventName string, data interface{}, opts ...PublishOption) error {
	if eventName == "" {
		return errors.Validation("eventName must not be empty", nil)
	}
	if len(exchanges) == 0 {
		return errors.Validation("exchanges must not be empty", nil)
	}

	po := &PublishOptions{}
	for _, opt := range opts {
		opt(po)
	}
	if po.Delay < 0 {
		return errors.Validation("delay must not be negative", nil)
	}
	if po.Delay > maxDelay {
		return errors.Validation("delay exceeds the maximum of 24h", map[string]interface{}{"delay": po.Delay.String()})
	}

	handler := func(ctx context.Context, msg *Message) (Result, error) {
		return Result{}, p.publishOne(ctx, msg, po)
	}
	composed := Compose(append(append([]Middleware{}, p.globals()...), po.Middlewares...), handler)

	var wg sync.WaitGroup
	errs := make([]error, len(exchanges))
	for i, ex := range exchanges {
		wg.Add(1)
		go func(i int, exchange string) {
			defer wg.Done()
			msg := &Message{
				EventName:  eventName,
				Data:       data,
				Metadata:   po.Metadata,
				Timestamp:  time.Now(),
				RoutingKey: po.RoutingKey,
			}
			ctx := contextWithExchange(ctx, exchange)
			if _, err := composed(ctx, msg); err != nil {
				errs[i] = err
			}
		}(i, ex)
	}
	wg.Wait()

	return joinErrors(errs)
}

func (p *Publisher) globals() []Middleware {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Middleware, len(p.global))
	copy(out, p.global)
	return out
}

type publishExchangeKey struct{}

func contextWithExchange(ctx context.Context, exchange string) context.Context {
	return context.WithValue(ctx, publishExchangeKey{}, exchange)
}

func exchangeFromContext(ctx context.Context) string {
	ex, _ := ctx.Value(publishExchangeKey{}).(string)
	return ex
}

// publishOne is the terminal publish handler: it resolves the destination
// exchange, applies delay-queue indirection if requested, and submits the
// envelope in confirm mode.
func (p *Publisher) publishOne(ctx context.Context, msg *Message, po *PublishOptions) error {
	exchange := exchangeFromContext(ctx)

	lc, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lc.Release()

	if err := p.assertExchange(ctx, lc, exchange); err != nil {
		return err
	}

	routingKey := po.RoutingKey
	metadata := po.Metadata

	delayMs, scheduled := resolveDelay(po)
	targetExchange, targetKey := exchange, routingKey
	if delayMs > 0 {
		queueName, err := p.assertDelayQueue(ctx, lc, exchange, routingKey, delayMs)
		if err != nil {
			return err
		}
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		metadata["delayedUntil"] = scheduled.UnixMilli()
		metadata["originalDelay"] = delayMs
		targetExchange, targetKey = "", queueName
	}

	env := Envelope{
		EventName: msg.EventName,
		Data:      msg.Data,
		Timestamp: msg.Timestamp.UnixMilli(),
		Metadata:  metadata,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Publish("failed to encode envelope", map[string]interface{}{"cause": err.Error()})
	}

	publishing := Publishing{
		ContentType: "application/json",
		Timestamp:   msg.Timestamp,
		MessageId:   uuid.New().String(),
		Body:        body,
	}
	if po.Persistent {
		publishing.DeliveryMode = 2 // persistent
	}

	return p.confirmPublish(ctx, lc, targetExchange, targetKey, publishing)
}

// confirmPublish submits msg once and blocks until the broker confirms it,
// returns it, or ctx ends. A Publish error is returned as is; no
// flow-control wait or resubmission is done.
func (p *Publisher) confirmPublish(ctx context.Context, lc *LeasedChannel, exchange, routingKey string, msg Publishing) error {
	if err := lc.Publish(exchange, routingKey, false, false, msg); err != nil {
		return errors.Publish("publish failed", map[string]interface{}{"exchange": exchange, "cause": err.Error()})
	}

	select {
	case conf, ok := <-lc.Confirms:
		if !ok {
			return errors.Publish("channel closed before confirmation", nil)
		}
		if !conf.Ack {
			return errors.Publish("broker nacked the message", map[string]interface{}{"deliveryTag": conf.DeliveryTag})
		}
		return nil
	case ret := <-lc.Returns:
		return errors.Publish("message returned by broker", map[string]interface{}{"replyText": ret.ReplyText})
	case <-ctx.Done():
		return errors.Timeout("timed out waiting for publish confirmation", nil)
	}
}

// assertExchange declares exchange on lc's channel once per (Publisher,
// exchange) pair, memoizing success so repeated publishes skip the
// round-trip. The memo lives as long as the Publisher: it is not cleared
// when a channel closes or the connection is re-established, so an
// exchange is not re-asserted after a reconnect.
func (p *Publisher) assertExchange(ctx context.Context, lc *LeasedChannel, exchange string) error {
	if exchange == "" {
		return nil
	}
	p.mu.Lock()
	if p.asserted[exchange] {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := lc.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return errors.Exchange("exchange assertion failed", map[string]interface{}{"exchange": exchange})
	}
	p.mu.Lock()
	p.asserted[exchange] = true
	p.mu.Unlock()
	return nil
}

// assertDelayQueue declares (or re-declares, idempotently) the per-delay TTL
// queue and returns its name.
func (p *Publisher) assertDelayQueue(ctx context.Context, lc *LeasedChannel, targetExchange, targetKey string, delayMs int64) (string, error) {
	name := fmt.Sprintf("hermes.delay.%d.%s", delayMs, uuid.New().String())
	args := Table{
		"x-message-ttl":             delayMs,
		"x-dead-letter-exchange":    targetExchange,
		"x-dead-letter-routing-key": targetKey,
	}
	if _, err := lc.QueueDeclare(name, false, true, false, false, args); err != nil {
		return "", errors.Exchange("delay queue assertion failed", map[string]interface{}{"queue": name})
	}
	return name, nil
}

// resolveDelay reduces Delay/ScheduledAt to a single millisecond TTL and the
// absolute time delivery becomes due. A ScheduledAt already in the past (and
// no positive Delay) resolves to zero, meaning immediate publish.
func resolveDelay(po *PublishOptions) (delayMs int64, at time.Time) {
	if po.Delay > 0 {
		return po.Delay.Milliseconds(), time.Now().Add(po.Delay)
	}
	if !po.ScheduledAt.IsZero() {
		d := time.Until(po.ScheduledAt)
		if d <= 0 {
			return 0, time.Time{}
		}
		return d.Milliseconds(), po.ScheduledAt
	}
	return 0, time.Time{}
}

// joinErrors combines the per-exchange results of a PublishToMany call into
// a single error, or nil if every exchange succeeded.
func joinErrors(errs []error) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if len(failed) == 1 {
		return failed[0]
	}
	details := make(map[string]interface{}, len(failed))
	for i, err := range failed {
		details[fmt.Sprintf("error_%d", i)] = err.Error()
	}
	return errors.Publish(fmt.Sprintf("%d of %d publishes failed", len(failed), len(errs)), details)
}

// Close releases the channel pool held by the publisher. The underlying
// ConnectionManager is owned by the caller and is not closed here.
func (p *Publisher) Close(ctx context.Context) error {
	return p.pool.Drain(ctx)
}
