package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hermes-mq/hermes/errors"
	"github.com/hermes-mq/hermes/log"
)

// commandEntry holds a composed handler registered under an upper-cased
// command name.
type commandEntry struct {
	composed ComposedHandler
}

// StopOptions adjusts RpcServer.Stop.
type StopOptions struct {
	// Timeout bounds how long Stop waits for in-flight handlers to drain.
	Timeout time.Duration

	// Force closes the channel immediately without waiting for in-flight
	// handlers, even if Timeout has not elapsed.
	Force bool
}

// RpcServer consumes a request queue, dispatches to registered command
// handlers, replies on the caller's replyTo, and applies the ACK/retry/DLQ
// state machine on handler failure.
type RpcServer struct {
	cm      *ConnectionManager
	pool    *ChannelPool
	log     log.Logger
	parser  *MessageParser
	dedup   *Deduplicator
	name    string
	queue   Queue
	dlqOpts DLQOptions
	useDLQ  bool

	maxReconnects  int
	handlerTimeout time.Duration
	ackMode        AckMode
	maxRetries     int
	requeuePred    func(error) bool
	retryDelay     time.Duration
	slowWarn       time.Duration
	slowError      time.Duration
	onSlowMessage  func(eventName, messageID string, dur time.Duration, level string)

	mu       sync.Mutex
	global   []Middleware
	commands map[string]*commandEntry
	running  bool
	lc       *LeasedChannel
	tag      string
	stopCh   chan struct{}

	inFlight  int64
	consumers int64
}

// RpcServerConfig names the queue an RpcServer consumes requests from.
type RpcServerConfig struct {
	// Queue is the request queue to declare/consume.
	Queue Queue

	// WithDeadLetter, when true, asserts Queue alongside a companion DLQ
	// using the conventional naming from AssertQueueWithDLQ.
	WithDeadLetter bool
	DLQOptions     DLQOptions
}

// NewRpcServer constructs a server consuming cfg.Queue, leasing a dedicated
// channel from cm.
func NewRpcServer(cm *ConnectionManager, cfg RpcServerConfig, opts ...Option) (*RpcServer, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	pool, err := NewChannelPool(cm, opts...)
	if err != nil {
		return nil, err
	}
	dedupSize := o.dedupSize
	if o.dedupDisabled {
		dedupSize = 0
	}
	dedup, err := NewDeduplicator(dedupSize, o.dedupTTL, o.dedupKeyExtFn)
	if err != nil {
		return nil, err
	}
	name := o.name
	if name == "" {
		name = "rpc-server"
	}
	return &RpcServer{
		cm:             cm,
		pool:           pool,
		log:            o.logger,
		parser:         NewMessageParser(o.parserMaxSize),
		dedup:          dedup,
		name:           name,
		queue:          cfg.Queue,
		useDLQ:         cfg.WithDeadLetter,
		dlqOpts:        cfg.DLQOptions,
		maxReconnects:  o.maxReconnects,
		handlerTimeout: o.handlerTimeout,
		ackMode:        o.ackMode,
		maxRetries:     o.maxRetries,
		requeuePred:    o.requeuePredicate,
		retryDelay:     o.retryDelay,
		slowWarn:       o.slowWarnThreshold,
		slowError:      o.slowErrorThreshold,
		onSlowMessage:  o.onSlowMessage,
		commands:       make(map[string]*commandEntry),
	}, nil
}

// Use prepends a global middleware applied to all subsequent
// RegisterHandler calls.
func (s *RpcServer) Use(mw ...Middleware) {
	s.mu.Lock()
	s.global = append(s.global, mw...)
	s.mu.Unlock()
}

// RegisterHandler composes mw and h under command (case-insensitive),
// logging a warning if a handler is already registered for it.
func (s *RpcServer) RegisterHandler(command string, mw []Middleware, h Handler) error {
	if command == "" {
		return errors.Validation("command must not be empty", nil)
	}
	key := strings.ToUpper(command)
	composed := Compose(append(append([]Middleware{}, s.globals()...), mw...), h)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.commands[key]; exists {
		s.log.WithField("command", key).Warning("overwriting existing RPC handler")
	}
	s.commands[key] = &commandEntry{composed: composed}
	return nil
}

// UnregisterHandler removes the handler registered for command, if any.
func (s *RpcServer) UnregisterHandler(command string) {
	s.mu.Lock()
	delete(s.commands, strings.ToUpper(command))
	s.mu.Unlock()
}

func (s *RpcServer) globals() []Middleware {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Middleware, len(s.global))
	copy(out, s.global)
	return out
}

// Start asserts the request queue (optionally with its companion DLQ), sets
// prefetch, and begins consuming.
func (s *RpcServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	lc, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}

	queueName := s.queue.Name
	if s.useDLQ {
		name, _, err := s.cm.AssertQueueWithDLQ(ctx, s.queue, s.dlqOpts)
		if err != nil {
			lc.Release()
			return err
		}
		queueName = name
	} else {
		name, err := lc.QueueDeclare(s.queue.Name, s.queue.Durable, s.queue.AutoDelete, s.queue.Exclusive, false, Table(s.queue.Arguments))
		if err != nil {
			lc.Release()
			return errors.Channel("queue assertion failed", map[string]interface{}{"queue": s.queue.Name})
		}
		queueName = name
	}
	s.queue.Name = queueName

	return s.beginConsuming(lc)
}

func (s *RpcServer) beginConsuming(lc *LeasedChannel) error {
	tag := s.name + "-" + s.queue.Name
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

func (s *RpcServer) consumeLoop(deliveries <-chan Delivery) {
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

func (s *RpcServer) handleConsumerLoss() {
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
			s.log.WithField("error", err.Error()).Warning("failed reacquiring channel for RPC server recovery")
			continue
		}
		if err := s.beginConsuming(lc); err != nil {
			s.log.WithField("error", err.Error()).Warning("failed restarting RPC consumer")
			continue
		}
		return
	}
	s.log.Error("RPC server gave up recovering its consumer")
}

// dispatch implements the per-message pipeline: parse, resolve command,
// execute under the deduplicator, reply, and apply the ACK state machine.
func (s *RpcServer) dispatch(d Delivery) {
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
		s.log.WithField("error", failure.Error()).Warning("malformed RPC request")
		switch failure.Strategy {
		case StrategyIgnore:
			_ = d.Ack(false)
		default:
			_ = d.Nack(false, false)
		}
		return
	}

	var req Request
	if raw, err := json.Marshal(payload); err == nil {
		_ = json.Unmarshal(raw, &req)
	}

	entry := s.lookup(req.Command)
	if entry == nil {
		err := errors.Handler("no handler registered for command", map[string]interface{}{"command": req.Command})
		s.finishError(d, props, req, err)
		return
	}

	dedupKey := s.dedup.Key(d.Body, req.Data, props)
	if cached, dup := s.dedup.Check(dedupKey); dup {
		s.reply(props, req, Result{Data: cached}, nil)
		_ = d.Ack(false)
		return
	}

	msg := &Message{
		EventName:  req.Command,
		Data:       req.Data,
		Metadata:   req.Metadata,
		Properties: props,
		Timestamp:  time.Now(),
	}

	start := time.Now()
	result, err := s.runHandler(entry, msg)
	s.checkSlow(req.Command, props.MessageID, time.Since(start))

	if err != nil {
		s.finishError(d, props, req, err)
		return
	}

	s.dedup.Store(dedupKey, result.Data)
	s.reply(props, req, result, nil)
	_ = d.Ack(false)
}

// runHandler invokes entry's composed handler, enforcing the configured
// wall-clock handler timeout even if the handler itself ignores ctx
// cancellation: past the deadline, dispatch proceeds to the ACK/retry state
// machine with a *HandlerTimeout* failure while the handler goroutine is
// left to finish (or never does) on its own.
func (s *RpcServer) runHandler(entry *commandEntry, msg *Message) (Result, error) {
	if s.handlerTimeout <= 0 {
		return entry.composed(context.Background(), msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.handlerTimeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := entry.composed(ctx, msg)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return Result{}, errors.Timeout("handler timed out", map[string]interface{}{"command": msg.EventName})
	}
}

func (s *RpcServer) lookup(command string) *commandEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(command)]
}

func (s *RpcServer) checkSlow(eventName, messageID string, dur time.Duration) {
	if s.onSlowMessage == nil {
		return
	}
	if s.slowError > 0 && dur >= s.slowError {
		s.onSlowMessage(eventName, messageID, dur, "error")
		return
	}
	if s.slowWarn > 0 && dur >= s.slowWarn {
		s.onSlowMessage(eventName, messageID, dur, "warn")
	}
}

// finishError applies the ACK/retry/DLQ state machine and sends an error
// reply when the caller supplied a replyTo. Plain AMQP requeue redelivers a
// message unchanged, so a bumped x-retry-count cannot ride a Nack(requeue):
// instead the message is republished to its original exchange/routing key
// with the incremented header and the original delivery is acked.
func (s *RpcServer) finishError(d Delivery, props MessageProperties, req Request, cause error) {
	s.reply(props, req, Result{}, cause)

	if s.ackMode == AckManual {
		_ = d.Nack(false, false)
		return
	}

	attempts := retryCountFromHeaders(d.Headers)
	if s.requeuePred(cause) && attempts < s.maxRetries {
		if s.requeueWithRetryHeader(d, attempts+1) {
			_ = d.Ack(false)
			return
		}
	}
	_ = d.Nack(false, false)
}

// requeueWithRetryHeader republishes d to the exchange/routing key it
// arrived on, stamping x-retry-count and, on the first failure, a
// x-first-failure timestamp. Reports whether the republish succeeded.
func (s *RpcServer) requeueWithRetryHeader(d Delivery, attempt int) bool {
	lc, err := s.pool.Acquire(context.Background())
	if err != nil {
		s.log.WithField("error", err.Error()).Error("failed to acquire channel for retry republish")
		return false
	}
	defer lc.Release()

	headers := Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers["x-retry-count"] = attempt
	if _, ok := headers["x-first-failure"]; !ok {
		headers["x-first-failure"] = time.Now().UnixMilli()
	}

	publishing := Publishing{
		ContentType:   d.ContentType,
		CorrelationId: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageId:     d.MessageId,
		Timestamp:     d.Timestamp,
		Headers:       headers,
		Body:          d.Body,
	}
	if s.retryDelay > 0 {
		queueName, err := s.assertRetryDelayQueue(lc, d.Exchange, d.RoutingKey, s.retryDelay.Milliseconds())
		if err != nil {
			s.log.WithField("error", err.Error()).Error("failed to assert retry delay queue")
			return false
		}
		if err := lc.Publish("", queueName, false, false, publishing); err != nil {
			s.log.WithField("error", err.Error()).Error("failed to publish delayed retry")
			return false
		}
		return true
	}
	if err := lc.Publish(d.Exchange, d.RoutingKey, false, false, publishing); err != nil {
		s.log.WithField("error", err.Error()).Error("failed to republish retry")
		return false
	}
	return true
}

// assertRetryDelayQueue declares a one-off TTL queue that dead-letters back
// to (targetExchange, targetKey) after delayMs, mirroring the delay-queue
// indirection Publisher uses for scheduled publishes.
func (s *RpcServer) assertRetryDelayQueue(lc *LeasedChannel, targetExchange, targetKey string, delayMs int64) (string, error) {
	name := fmt.Sprintf("hermes.retry.%d.%s", delayMs, uuid.New().String())
	args := Table{
		"x-message-ttl":             delayMs,
		"x-dead-letter-exchange":    targetExchange,
		"x-dead-letter-routing-key": targetKey,
	}
	if _, err := lc.QueueDeclare(name, false, true, false, false, args); err != nil {
		return "", errors.Exchange("retry delay queue assertion failed", map[string]interface{}{"queue": name})
	}
	return name, nil
}

func (s *RpcServer) reply(props MessageProperties, req Request, result Result, cause error) {
	if props.ReplyTo == "" {
		return
	}
	resp := Response{ID: req.ID, Timestamp: time.Now().UnixMilli(), Success: cause == nil}
	if cause != nil {
		code := "HANDLER_ERROR"
		if c, ok := errors.CodeOf(cause); ok {
			code = string(c)
		}
		details, _ := errors.DetailsOf(cause)
		resp.Error = &ResponseError{Code: code, Message: cause.Error(), Details: details}
	} else {
		resp.Data = result.Data
	}
	body, err := json.Marshal(resp)
	if err != nil {
		s.log.WithField("error", err.Error()).Error("failed to encode RPC response")
		return
	}

	lc, err := s.pool.Acquire(context.Background())
	if err != nil {
		s.log.WithField("error", err.Error()).Error("failed to acquire channel for RPC response")
		return
	}
	defer lc.Release()

	publishing := Publishing{
		ContentType:   "application/json",
		CorrelationId: props.CorrelationID,
		Body:          body,
	}
	if err := lc.Publish("", props.ReplyTo, false, false, publishing); err != nil {
		s.log.WithField("error", err.Error()).Error("failed to publish RPC response")
	}
}

// Stop cancels the consumer tag, polls the in-flight count every 100ms up to
// opts.Timeout (unless opts.Force), closes the channel, and clears the
// deduplicator.
func (s *RpcServer) Stop(ctx context.Context, opts StopOptions) error {
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
	}

	if !opts.Force {
		deadline := time.Now().Add(opts.Timeout)
		for opts.Timeout <= 0 || time.Now().Before(deadline) {
			if atomic.LoadInt64(&s.inFlight) == 0 {
				break
			}
			select {
			case <-ctx.Done():
				goto closeUp
			case <-time.After(100 * time.Millisecond):
			}
			if opts.Timeout <= 0 {
				continue
			}
		}
	}

closeUp:
	if lc != nil {
		lc.Release()
	}
	s.dedup.Clear()
	return s.pool.Drain(ctx)
}

// IsServerRunning reports whether the server currently has an active
// consumer.
func (s *RpcServer) IsServerRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetHandlerCount returns the number of registered command handlers.
func (s *RpcServer) GetHandlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

// GetConsumerCount returns the number of currently active consumers.
func (s *RpcServer) GetConsumerCount() int64 {
	return atomic.LoadInt64(&s.consumers)
}

// GetInFlightCount returns the number of requests currently being
// processed.
func (s *RpcServer) GetInFlightCount() int64 {
	return atomic.LoadInt64(&s.inFlight)
}
