package hermes

import (
	"crypto/tls"
	"time"

	"github.com/hermes-mq/hermes/errors"
	"github.com/hermes-mq/hermes/log"
)

// options accumulates every setting any component constructor in this
// package understands; each constructor only reads the fields relevant to
// it. This mirrors the teacher's single Option-over-session pattern, scaled
// to this package's several top-level components.
type options struct {
	name    string
	logger  log.Logger
	tlsConf *tls.Config
	dialer  Dialer

	topology      Topology
	prefetchCount int
	prefetchSize  int
	heartbeat     time.Duration

	backoffBase        time.Duration
	backoffMax         time.Duration
	backoffMaxAttempts int

	breakerEnabled             bool
	breakerFailureThreshold    uint32
	breakerResetTimeout        time.Duration
	breakerHalfOpenMaxAttempts uint32

	observers []ConnectionObserver

	poolMin              int
	poolMax              int
	poolAcquireTimeout   time.Duration
	poolIdleTimeout      time.Duration
	poolEvictionInterval time.Duration

	dedupDisabled  bool
	dedupSize      int
	dedupTTL       time.Duration
	dedupKeyExtFn  func(interface{}) string
	parserMaxSize  int64
	rpcTimeout     time.Duration
	subscriberMode DispatchMode
	maxReconnects  int

	handlerTimeout     time.Duration
	maxRetries         int
	requeuePredicate   func(error) bool
	slowWarnThreshold  time.Duration
	slowErrorThreshold time.Duration
	onSlowMessage      func(eventName, messageID string, dur time.Duration, level string)
	onHandlerError     func(eventName, messageID string, err error)
	ackMode            AckMode
	retryDelay         time.Duration
}

// AckMode selects how RpcServer (and any ack-strategy-aware consumer)
// disposes of a message once its handler fails.
type AckMode int

const (
	// AckAuto evaluates the requeue predicate and retry count: while under
	// maxRetries the message is republished with an incremented
	// x-retry-count and the original delivery acked; otherwise it is
	// nack-dropped.
	AckAuto AckMode = iota

	// AckManual always nack-drops on handler failure, regardless of
	// classification; the caller's own infrastructure (e.g. a DLX) owns
	// retry policy.
	AckManual
)

func defaultOptions() *options {
	return &options{
		logger:                     log.Discard(),
		prefetchCount:              10,
		heartbeat:                  10 * time.Second,
		dialer:                     DefaultDialer,
		backoffBase:                500 * time.Millisecond,
		backoffMax:                 30 * time.Second,
		backoffMaxAttempts:         0, // unlimited
		breakerFailureThreshold:    5,
		breakerResetTimeout:        30 * time.Second,
		breakerHalfOpenMaxAttempts: 1,
		poolMin:                    1,
		poolMax:                    10,
		poolAcquireTimeout:         5 * time.Second,
		poolIdleTimeout:            2 * time.Minute,
		poolEvictionInterval:       30 * time.Second,
		dedupSize:                  1024,
		dedupTTL:                   5 * time.Minute,
		parserMaxSize:              256 * 1024,
		rpcTimeout:                 10 * time.Second,
		subscriberMode:             DispatchStrict,
		maxReconnects:              0, // unlimited
		maxRetries:                 5,
		requeuePredicate:           func(error) bool { return true },
		ackMode:                    AckAuto,
		retryDelay:                 0,
	}
}

// Option adjusts the settings used by a component constructor in this
// package (ConnectionManager, Publisher, Subscriber, RpcClient, RpcServer).
type Option func(*options) error

// WithName sets an identifier used to prefix generated queue/consumer names
// and, when using the default dialer, advertised as the connection name in
// the broker's management UI.
func WithName(name string) Option {
	return func(o *options) error {
		o.name = name
		return nil
	}
}

// WithLogger sets the structured logger used by the component. Defaults to
// log.Discard().
func WithLogger(l log.Logger) Option {
	return func(o *options) error {
		if l == nil {
			return errors.Validation("logger must not be nil", nil)
		}
		o.logger = l
		return nil
	}
}

// WithTLS sets the TLS configuration used to dial the broker over amqps://.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) error {
		o.tlsConf = cfg
		return nil
	}
}

// WithDialer overrides the function used to establish the broker
// connection. Exposed primarily so tests can substitute a fake broker.
func WithDialer(d Dialer) Option {
	return func(o *options) error {
		if d == nil {
			return errors.Validation("dialer must not be nil", nil)
		}
		o.dialer = d
		return nil
	}
}

// WithTopology declares the exchanges/queues/bindings expected to exist;
// asserted as part of connection setup.
func WithTopology(t Topology) Option {
	return func(o *options) error {
		o.topology = t
		return nil
	}
}

// WithPrefetch sets the channel Qos prefetch count/size.
func WithPrefetch(count, size int) Option {
	return func(o *options) error {
		if count < 0 || size < 0 {
			return errors.Validation("prefetch values must not be negative", nil)
		}
		o.prefetchCount = count
		o.prefetchSize = size
		return nil
	}
}

// WithHeartbeat sets the requested AMQP connection heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) error {
		o.heartbeat = d
		return nil
	}
}

// WithBackoff configures the reconnect delay schedule:
// delay = min(base * 2^(attempt-1), max), capped at maxAttempts tries
// (0 = unlimited).
func WithBackoff(base, max time.Duration, maxAttempts int) Option {
	return func(o *options) error {
		if base <= 0 || max <= 0 {
			return errors.Validation("backoff durations must be positive", nil)
		}
		o.backoffBase = base
		o.backoffMax = max
		o.backoffMaxAttempts = maxAttempts
		return nil
	}
}

// WithCircuitBreaker enables the circuit breaker guarding connect attempts:
// it opens after failureThreshold consecutive failures, stays open for
// resetTimeout, then allows halfOpenMaxAttempts trial connects before
// closing or reopening.
func WithCircuitBreaker(failureThreshold uint32, resetTimeout time.Duration, halfOpenMaxAttempts uint32) Option {
	return func(o *options) error {
		if failureThreshold == 0 || halfOpenMaxAttempts == 0 {
			return errors.Validation("circuit breaker thresholds must be positive", nil)
		}
		o.breakerEnabled = true
		o.breakerFailureThreshold = failureThreshold
		o.breakerResetTimeout = resetTimeout
		o.breakerHalfOpenMaxAttempts = halfOpenMaxAttempts
		return nil
	}
}

// WithConnectionObserver registers a listener notified of connection
// lifecycle events. Multiple observers may be registered.
func WithConnectionObserver(ob ConnectionObserver) Option {
	return func(o *options) error {
		if ob == nil {
			return errors.Validation("observer must not be nil", nil)
		}
		o.observers = append(o.observers, ob)
		return nil
	}
}

// WithChannelPool configures the bounded channel pool leased by a
// Publisher, Subscriber, RpcClient or RpcServer.
func WithChannelPool(minChannels, maxChannels int, acquireTimeout, idleTimeout, evictionInterval time.Duration) Option {
	return func(o *options) error {
		if minChannels < 0 || maxChannels <= 0 || minChannels > maxChannels {
			return errors.Validation("invalid channel pool bounds", nil)
		}
		o.poolMin = minChannels
		o.poolMax = maxChannels
		o.poolAcquireTimeout = acquireTimeout
		o.poolIdleTimeout = idleTimeout
		o.poolEvictionInterval = evictionInterval
		return nil
	}
}

// WithDeduplication configures the LRU+TTL deduplication cache used by
// RpcServer. cacheSize == 0 disables it.
func WithDeduplication(cacheSize int, ttl time.Duration, keyExtractor func(interface{}) string) Option {
	return func(o *options) error {
		o.dedupSize = cacheSize
		o.dedupTTL = ttl
		o.dedupKeyExtFn = keyExtractor
		o.dedupDisabled = cacheSize == 0
		return nil
	}
}

// WithDeduplicationDisabled turns off the deduplication cache entirely.
func WithDeduplicationDisabled() Option {
	return func(o *options) error {
		o.dedupDisabled = true
		return nil
	}
}

// WithMaxMessageSize overrides the MessageParser's maximum accepted frame
// size, in bytes. Defaults to 256 KiB.
func WithMaxMessageSize(n int64) Option {
	return func(o *options) error {
		if n <= 0 {
			return errors.Validation("max message size must be positive", nil)
		}
		o.parserMaxSize = n
		return nil
	}
}

// WithDefaultTimeout sets the RpcClient's default per-request timeout, used
// when a call does not specify one explicitly.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.Validation("default timeout must be positive", nil)
		}
		o.rpcTimeout = d
		return nil
	}
}

// DispatchMode selects how a Subscriber runs the handlers matched for a
// single inbound message.
type DispatchMode int

const (
	// DispatchStrict runs all matched handlers concurrently and nacks the
	// message if any of them fails: a Transient-tagged failure within the
	// retry budget is requeued, any other failure is dropped.
	DispatchStrict DispatchMode = iota

	// DispatchIsolated runs all matched handlers concurrently, always acks,
	// and reports per-handler failures out-of-band.
	DispatchIsolated
)

// WithDispatchMode selects strict or isolated handler execution for a
// Subscriber.
func WithDispatchMode(m DispatchMode) Option {
	return func(o *options) error {
		o.subscriberMode = m
		return nil
	}
}

// WithMaxReconnectAttempts bounds how many times a Subscriber or RpcServer
// retries re-registering its consumer after a server-initiated cancel. Zero
// means unlimited.
func WithMaxReconnectAttempts(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return errors.Validation("max reconnect attempts must not be negative", nil)
		}
		o.maxReconnects = n
		return nil
	}
}

// WithHandlerTimeout bounds the wall-clock time a single matched handler
// invocation (Subscriber) or command handler (RpcServer) may run before it
// is treated as a failure. Zero (the default) disables the timeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *options) error {
		o.handlerTimeout = d
		return nil
	}
}

// WithRetryPolicy configures the ACK/retry/DLQ state machine: maxRetries
// bounds how many times a message may be retried (RpcServer republishes it
// with an incremented x-retry-count, Subscriber nack-requeues it) before it
// is nack-dropped regardless of classification; requeue, when non-nil,
// overrides the default (always requeue transient failures) predicate.
func WithRetryPolicy(maxRetries int, requeue func(error) bool) Option {
	return func(o *options) error {
		if maxRetries < 0 {
			return errors.Validation("maxRetries must not be negative", nil)
		}
		o.maxRetries = maxRetries
		if requeue != nil {
			o.requeuePredicate = requeue
		}
		return nil
	}
}

// WithSlowMessageDetection reports, via onSlowMessage, any handler whose
// execution time crosses warn or error thresholds. A zero threshold
// disables that level.
func WithSlowMessageDetection(warn, errorAt time.Duration, onSlowMessage func(eventName, messageID string, dur time.Duration, level string)) Option {
	return func(o *options) error {
		o.slowWarnThreshold = warn
		o.slowErrorThreshold = errorAt
		o.onSlowMessage = onSlowMessage
		return nil
	}
}

// WithHandlerErrorReporter registers a callback invoked, in DispatchIsolated
// mode, once per handler failure for a message (the handler's error does not
// otherwise propagate since the message is still acked).
func WithHandlerErrorReporter(fn func(eventName, messageID string, err error)) Option {
	return func(o *options) error {
		o.onHandlerError = fn
		return nil
	}
}

// WithAckMode selects AckAuto (requeue-aware) or AckManual (always
// nack-drop) disposition for a failed RpcServer handler invocation.
func WithAckMode(mode AckMode) Option {
	return func(o *options) error {
		o.ackMode = mode
		return nil
	}
}

// WithRetryDelay sets the delay before an RpcServer retry is redelivered.
// When positive, the retry is republished through a one-off TTL queue that
// dead-letters back to the original exchange/routing key after the delay;
// zero republishes immediately. Subscriber does not use this setting.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) error {
		o.retryDelay = d
		return nil
	}
}

func applyOptions(opts []Option) (*options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}
