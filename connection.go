package hermes

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/hermes-mq/hermes/errors"
	"github.com/hermes-mq/hermes/log"
)

// ConnectionObserver receives connection lifecycle notifications. All
// methods are invoked from a single internal dispatch goroutine, so
// observer implementations never need to guard against concurrent calls to
// themselves.
type ConnectionObserver interface {
	// OnConnected fires once a connect attempt succeeds.
	OnConnected()

	// OnDisconnected fires when a previously established connection is
	// lost.
	OnDisconnected(err error)

	// OnReconnecting fires after a failed attempt, before the backoff wait,
	// reporting the number of the attempt that failed (1-based) and the
	// delay that will be waited before the next one.
	OnReconnecting(attempt int, delay time.Duration)

	// OnMaxAttemptsReached fires once the configured attempt cap is hit and
	// the manager gives up until Connect is called again explicitly.
	OnMaxAttemptsReached()

	// OnCircuitBreakerStateChange fires on every breaker transition, when a
	// breaker is configured.
	OnCircuitBreakerStateChange(from, to CircuitBreakerState)

	// OnError fires for any error the manager does not otherwise surface to
	// a blocked caller (e.g. an error during a background reconnect).
	OnError(err error)
}

// NopObserver implements ConnectionObserver with no-op methods, usable as
// an embeddable base for partial observers.
type NopObserver struct{}

func (NopObserver) OnConnected()                                        {}
func (NopObserver) OnDisconnected(error)                                {}
func (NopObserver) OnReconnecting(int, time.Duration)                   {}
func (NopObserver) OnMaxAttemptsReached()                                {}
func (NopObserver) OnCircuitBreakerStateChange(_, _ CircuitBreakerState) {}
func (NopObserver) OnError(error)                                       {}

// ErrConnectionClosed is returned by Connection once the manager has been
// Closed.
var ErrConnectionClosed = errors.Connection("connection manager is closed", nil)

// ConnectionManager owns a single transport connection to the broker,
// reconnecting with exponential backoff (optionally guarded by a circuit
// breaker) whenever it is lost.
type ConnectionManager struct {
	addr     string
	name     string
	log      log.Logger
	dialer   Dialer
	dialCfg  DialConfig
	topology Topology

	backoffBase        time.Duration
	backoffMax         time.Duration
	backoffMaxAttempts int

	breaker *circuitBreaker

	observers []ConnectionObserver
	warnLimit *rate.Limiter

	mu         sync.Mutex
	conn       BrokerConnection
	ready      chan struct{} // closed and replaced each time a connection is established
	closed     bool
	closeCh    chan struct{}
	attempts   int
	connecting bool

	wg sync.WaitGroup
}

// NewConnectionManager constructs a manager for the broker at addr
// (amqp:// or amqps://). The manager does not dial until Connect is called.
func NewConnectionManager(addr string, opts ...Option) (*ConnectionManager, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	name := o.name
	if name == "" {
		name = "hermes"
	}
	cm := &ConnectionManager{
		addr:               addr,
		name:               name,
		log:                o.logger,
		dialer:             o.dialer,
		topology:           o.topology,
		backoffBase:        o.backoffBase,
		backoffMax:         o.backoffMax,
		backoffMaxAttempts: o.backoffMaxAttempts,
		observers:          o.observers,
		warnLimit:          rate.NewLimiter(rate.Every(5*time.Second), 1),
		ready:              make(chan struct{}),
		closeCh:            make(chan struct{}),
		dialCfg: DialConfig{
			Heartbeat:       o.heartbeat,
			Properties:      map[string]interface{}{"connection_name": name},
			TLSClientConfig: o.tlsConf,
		},
	}
	if o.breakerEnabled {
		cm.breaker = newCircuitBreaker(name, o.breakerFailureThreshold, o.breakerResetTimeout, o.breakerHalfOpenMaxAttempts, cm.onBreakerChange)
	}
	return cm, nil
}

func (cm *ConnectionManager) onBreakerChange(from, to CircuitBreakerState) {
	cm.notify(func(ob ConnectionObserver) { ob.OnCircuitBreakerStateChange(from, to) })
}

func (cm *ConnectionManager) notify(fn func(ConnectionObserver)) {
	for _, ob := range cm.observers {
		fn(ob)
	}
}

// Connect starts (or restarts) the connection loop in the background and
// returns once the first attempt has been made. It returns an error only
// when that first attempt fails with a non-transient error; a transient
// first failure returns nil, and it and any later failures are retried in
// the background and surfaced through observers.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrConnectionClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		cm.mu.Unlock()
		return nil
	}
	if cm.connecting {
		cm.mu.Unlock()
		// A dial/backoff loop is already in flight; wait for it to either
		// connect or go away instead of starting a second one.
		wait := cm.ready
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return errors.Timeout("connect deadline exceeded", nil)
		}
	}
	cm.connecting = true
	cm.mu.Unlock()

	done := make(chan error, 1)
	cm.wg.Add(1)
	go cm.run(done)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Timeout("connect deadline exceeded", nil)
	}
}

// run drives the connect/reconnect loop until Close is called. first
// receives the outcome of the initial attempt only.
func (cm *ConnectionManager) run(first chan<- error) {
	defer cm.wg.Done()
	defer func() {
		cm.mu.Lock()
		cm.connecting = false
		cm.mu.Unlock()
	}()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cm.backoffBase
	bo.MaxInterval = cm.backoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempt := 0
	reported := false
	for {
		select {
		case <-cm.closeCh:
			return
		default:
		}

		attempt++
		var err error
		if cm.breaker != nil {
			err = cm.breaker.execute(func() error { return cm.dial() })
		} else {
			err = cm.dial()
		}

		if err == nil {
			cm.mu.Lock()
			cm.attempts = 0
			cm.mu.Unlock()
			cm.notify(func(ob ConnectionObserver) { ob.OnConnected() })
			if !reported {
				reported = true
				first <- nil
			}
			cm.waitForDisconnect()
			attempt = 0
			continue
		}

		if !reported {
			reported = true
			if !isTransient(err) {
				first <- err
				return
			}
			first <- nil
		}

		cm.notify(func(ob ConnectionObserver) { ob.OnError(err) })
		if !isTransient(err) {
			cm.log.WithField("error", err.Error()).Error("non-retryable connection failure")
			return
		}

		if cm.backoffMaxAttempts > 0 && attempt > cm.backoffMaxAttempts {
			cm.notify(func(ob ConnectionObserver) { ob.OnMaxAttemptsReached() })
			return
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			cm.notify(func(ob ConnectionObserver) { ob.OnMaxAttemptsReached() })
			return
		}
		cm.notify(func(ob ConnectionObserver) { ob.OnReconnecting(attempt, delay) })
		if cm.warnLimit.Allow() {
			cm.log.WithField("attempt", attempt).Warning("reconnecting to broker")
		}

		select {
		case <-cm.closeCh:
			return
		case <-time.After(delay):
		}
	}
}

func (cm *ConnectionManager) dial() error {
	conn, err := cm.dialer(cm.addr, cm.dialCfg)
	if err != nil {
		return classifyDialError(err)
	}
	if len(cm.topology.Exchanges)+len(cm.topology.Queues)+len(cm.topology.Bindings) > 0 {
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return errors.Channel("failed opening setup channel", nil)
		}
		if err := loadTopology(ch, cm.topology); err != nil {
			_ = conn.Close()
			return err
		}
		_ = ch.Close()
	}

	cm.mu.Lock()
	cm.conn = conn
	close(cm.ready)
	cm.ready = make(chan struct{})
	cm.mu.Unlock()
	return nil
}

// waitForDisconnect blocks until the live connection closes, either because
// the broker dropped it or Close() was called.
func (cm *ConnectionManager) waitForDisconnect() {
	cm.mu.Lock()
	conn := cm.conn
	cm.mu.Unlock()
	if conn == nil {
		return
	}
	notify := make(chan *BrokerError, 1)
	conn.NotifyClose(notify)

	select {
	case <-cm.closeCh:
		return
	case err, ok := <-notify:
		cm.mu.Lock()
		cm.conn = nil
		cm.mu.Unlock()
		if !ok || err == nil {
			return
		}
		cm.log.WithField("reason", err.Error()).Warning("connection closed unexpectedly")
		cm.notify(func(ob ConnectionObserver) { ob.OnDisconnected(err) })
	}
}

// Connection returns the live broker connection, blocking until one is
// available or ctx is done. Returns ErrConnectionClosed if the manager has
// been Closed.
func (cm *ConnectionManager) Connection(ctx context.Context) (BrokerConnection, error) {
	for {
		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return nil, ErrConnectionClosed
		}
		if cm.conn != nil && !cm.conn.IsClosed() {
			conn := cm.conn
			cm.mu.Unlock()
			return conn, nil
		}
		wait := cm.ready
		cm.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, errors.Timeout("timed out waiting for connection", nil)
		}
	}
}

// AssertQueue declares a queue against the live connection, returning its
// (possibly server-generated) name.
func (cm *ConnectionManager) AssertQueue(ctx context.Context, q Queue) (string, error) {
	conn, err := cm.Connection(ctx)
	if err != nil {
		return "", err
	}
	ch, err := conn.Channel()
	if err != nil {
		return "", errors.Channel("failed to open channel", nil)
	}
	defer func() { _ = ch.Close() }()
	name, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, Table(q.Arguments))
	if err != nil {
		return "", errors.Channel("queue assertion failed", map[string]interface{}{"queue": q.Name})
	}
	return name, nil
}

// AssertQueueWithDLQ declares q with its dead-lettering arguments pointed at
// a companion DLQ (named "<q>.dlq"), plus the DLX exchange and the DLQ's
// own binding, per the DLQ convention. Returns both queue names.
func (cm *ConnectionManager) AssertQueueWithDLQ(ctx context.Context, q Queue, dlqOpts DLQOptions) (string, string, error) {
	conn, err := cm.Connection(ctx)
	if err != nil {
		return "", "", err
	}
	ch, err := conn.Channel()
	if err != nil {
		return "", "", errors.Channel("failed to open channel", nil)
	}
	defer func() { _ = ch.Close() }()

	queueName := q.Name
	dlqOpts = dlqOpts.withDefaults(queueName)
	dlq := dlqName(queueName)

	if err := ch.ExchangeDeclare(dlqOpts.Exchange, "direct", true, false, false, false, nil); err != nil {
		return "", "", errors.Exchange("dead-letter exchange assertion failed", map[string]interface{}{"exchange": dlqOpts.Exchange})
	}

	dlqArgs := (&QueueOptions{
		MessageTTL: nonZeroDuration(dlqOpts.MessageTTL),
		MaxLength:  dlqOpts.MaxLength,
	}).AsArguments()
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, Table(dlqArgs)); err != nil {
		return "", "", errors.Channel("DLQ assertion failed", map[string]interface{}{"queue": dlq})
	}
	if err := ch.QueueBind(dlq, dlqOpts.DeadRoutingKey, dlqOpts.Exchange, false, nil); err != nil {
		return "", "", errors.Channel("DLQ binding failed", map[string]interface{}{"queue": dlq})
	}

	args := q.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	args["x-dead-letter-exchange"] = dlqOpts.Exchange
	args["x-dead-letter-routing-key"] = dlqOpts.DeadRoutingKey

	name, err := ch.QueueDeclare(queueName, q.Durable, q.AutoDelete, q.Exclusive, false, Table(args))
	if err != nil {
		return "", "", errors.Channel("queue assertion failed", map[string]interface{}{"queue": queueName})
	}
	return name, dlq, nil
}

// Close cancels any pending reconnect timer, closes the live connection,
// waits for the connect loop to exit (a dial already in progress runs to
// completion first), and fails all future Connection/Connect calls with
// ErrConnectionClosed.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	conn := cm.conn
	cm.conn = nil
	close(cm.closeCh)
	cm.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	cm.wg.Wait()
	return err
}

func nonZeroDuration(d time.Duration) *time.Duration {
	if d <= 0 {
		return nil
	}
	return &d
}

func loadTopology(ch BrokerChannel, t Topology) error {
	for _, ex := range t.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, ex.AutoDelete, ex.Internal, false, Table(ex.Arguments)); err != nil {
			return errors.Exchange("exchange assertion failed", map[string]interface{}{"exchange": ex.Name})
		}
	}
	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, Table(q.Arguments)); err != nil {
			return errors.Channel("queue assertion failed", map[string]interface{}{"queue": q.Name})
		}
	}
	for _, b := range t.Bindings {
		keys := b.RoutingKey
		if len(keys) == 0 {
			keys = []string{""}
		}
		for _, rk := range keys {
			if err := ch.QueueBind(b.Queue, rk, b.Exchange, false, Table(b.Arguments)); err != nil {
				return errors.Channel("binding assertion failed", map[string]interface{}{"queue": b.Queue, "exchange": b.Exchange})
			}
		}
	}
	return nil
}

// isTransient classifies a connect/dial failure. An error carrying an
// errors Kind is transient unless its Kind is Permanent; classifyDialError
// tags auth failures Permanent and every other dial failure Connection. An
// untagged error is transient only when its message contains one of the
// connection-refused/timeout/unresolved-host/503/"connection" markers.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if kind, ok := errors.KindOf(err); ok {
		return kind != errors.KindPermanent
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnrefused", "etimedout", "enotfound", "timeout", "no such host", "503", "connection"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func classifyDialError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access_refused") || strings.Contains(msg, "access refused") || strings.Contains(msg, "auth") {
		return errors.Permanent(err.Error(), nil)
	}
	return errors.Connection(err.Error(), nil)
}
