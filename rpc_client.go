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

// directReplyTo is the broker pseudo-queue used for direct reply-to RPC
// responses; consuming it requires no prior queue declaration.
const directReplyTo = "amq.rabbitmq.reply-to"

// ErrClientClosed is returned by Send, and to every still-pending call, once
// Close has been invoked.
var ErrClientClosed = errors.Connection("rpc client is closed", nil)

// RequestOptions adjusts a single Send call.
type RequestOptions struct {
	Timeout       time.Duration
	Metadata      map[string]interface{}
	CorrelationID string
	Middlewares   []Middleware
}

// RequestOption mutates a RequestOptions value.
type RequestOption func(*RequestOptions)

// WithRequestTimeout overrides the client's default per-request timeout.
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(o *RequestOptions) { o.Timeout = d }
}

// WithRequestMetadata attaches arbitrary metadata to the request envelope.
func WithRequestMetadata(md map[string]interface{}) RequestOption {
	return func(o *RequestOptions) { o.Metadata = md }
}

// WithCorrelationID overrides the generated correlation id.
func WithCorrelationID(id string) RequestOption {
	return func(o *RequestOptions) { o.CorrelationID = id }
}

// WithRequestMiddlewares layers additional middlewares around this call
// only, running after the client's global ones.
func WithRequestMiddlewares(mw ...Middleware) RequestOption {
	return func(o *RequestOptions) { o.Middlewares = append(o.Middlewares, mw...) }
}

type pendingCall struct {
	done      chan *Response
	createdAt time.Time
	deadline  time.Duration
}

// RpcClient sends correlated requests to an RpcServer and demultiplexes
// replies received on the broker's direct reply-to mechanism.
type RpcClient struct {
	cm             *ConnectionManager
	pool           *ChannelPool
	log            log.Logger
	requestQueue   string
	requestExch    string
	defaultTimeout time.Duration

	mu      sync.Mutex
	global  []Middleware
	pending map[string]*pendingCall
	lc      *LeasedChannel
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// RpcClientConfig names the destination for outgoing requests.
type RpcClientConfig struct {
	// Exchange is the exchange requests are published to; empty uses the
	// default exchange, routing by RequestQueue.
	Exchange string

	// RequestQueue is the routing key / queue name requests are sent to.
	RequestQueue string
}

// NewRpcClient constructs a client publishing to cfg and consuming replies
// via direct reply-to, leasing a dedicated channel from cm.
func NewRpcClient(cm *ConnectionManager, cfg RpcClientConfig, opts ...Option) (*RpcClient, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	pool, err := NewChannelPool(cm, opts...)
	if err != nil {
		return nil, err
	}
	c := &RpcClient{
		cm:             cm,
		pool:           pool,
		log:            o.logger,
		requestQueue:   cfg.RequestQueue,
		requestExch:    cfg.Exchange,
		defaultTimeout: o.rpcTimeout,
		pending:        make(map[string]*pendingCall),
		stop:           make(chan struct{}),
	}
	if err := c.start(); err != nil {
		return nil, err
	}
	c.wg.Add(1)
	go c.sweepLoop()
	return c, nil
}

// Use prepends a global middleware wrapping every Send call.
func (c *RpcClient) Use(mw ...Middleware) {
	c.mu.Lock()
	c.global = append(c.global, mw...)
	c.mu.Unlock()
}

func (c *RpcClient) start() error {
	lc, err := c.pool.Acquire(context.Background())
	if err != nil {
		return err
	}
	deliveries, err := lc.Consume(directReplyTo, "", true, true, false, false, nil)
	if err != nil {
		lc.Release()
		return errors.Channel("failed to consume direct reply-to", nil)
	}
	c.mu.Lock()
	c.lc = lc
	c.mu.Unlock()
	go c.handleReplies(deliveries)
	return nil
}

func (c *RpcClient) handleReplies(deliveries <-chan Delivery) {
	for d := range deliveries {
		c.handleReply(d)
	}
}

// handleReply looks up the pending call by correlation id and resolves it;
// an unknown correlation id is logged and dropped.
func (c *RpcClient) handleReply(d Delivery) {
	c.mu.Lock()
	call, ok := c.pending[d.CorrelationId]
	if ok {
		delete(c.pending, d.CorrelationId)
	}
	c.mu.Unlock()
	if !ok {
		c.log.WithField("correlationId", d.CorrelationId).Warning("unknown RPC correlation id")
		return
	}

	var resp Response
	if err := json.Unmarshal(d.Body, &resp); err != nil {
		resp = Response{Success: false, Error: &ResponseError{Code: "DECODE_ERROR", Message: err.Error()}}
	}
	call.done <- &resp
}

// sweepLoop periodically evicts pending calls older than 2x their own
// timeout, as a backstop against entries whose owning Send goroutine never
// cleaned up (e.g. a caller that ignored a returned error and leaked its
// context).
func (c *RpcClient) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *RpcClient) sweepOnce() {
	now := time.Now()
	c.mu.Lock()
	var stale []*pendingCall
	for id, call := range c.pending {
		if now.Sub(call.createdAt) > 2*call.deadline {
			stale = append(stale, call)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
	for _, call := range stale {
		call.done <- &Response{Success: false, Error: &ResponseError{Code: "TIMEOUT_ERROR", Message: "evicted by sweeper"}}
	}
}

// Send issues command with data and blocks until a response arrives, the
// deadline elapses, ctx is cancelled, or the client is closed. Exactly one
// outcome fires.
func (c *RpcClient) Send(ctx context.Context, command string, data interface{}, opts ...RequestOption) (interface{}, error) {
	if command == "" {
		return nil, errors.Validation("command must not be empty", nil)
	}
	ro := &RequestOptions{Timeout: c.defaultTimeout}
	for _, opt := range opts {
		opt(ro)
	}
	if ro.Timeout <= 0 {
		ro.Timeout = c.defaultTimeout
	}

	handler := func(ctx context.Context, msg *Message) (Result, error) {
		data, err := c.sendOne(ctx, msg, ro)
		return Result{Data: data}, err
	}
	composed := Compose(append(append([]Middleware{}, c.globals()...), ro.Middlewares...), handler)

	msg := &Message{EventName: command, Data: data, Metadata: ro.Metadata, Timestamp: time.Now()}
	res, err := composed(ctx, msg)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (c *RpcClient) globals() []Middleware {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Middleware, len(c.global))
	copy(out, c.global)
	return out
}

func (c *RpcClient) sendOne(ctx context.Context, msg *Message, ro *RequestOptions) (interface{}, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	lc := c.lc
	c.mu.Unlock()

	correlationID := ro.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	req := Request{
		ID:        correlationID,
		Command:   msg.EventName,
		Timestamp: msg.Timestamp.UnixMilli(),
		Data:      msg.Data,
		Metadata:  msg.Metadata,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Publish("failed to encode request", map[string]interface{}{"cause": err.Error()})
	}

	call := &pendingCall{done: make(chan *Response, 1), createdAt: time.Now(), deadline: ro.Timeout}
	c.mu.Lock()
	c.pending[correlationID] = call
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
	}()

	publishing := Publishing{
		ContentType:   "application/json",
		Timestamp:     msg.Timestamp,
		MessageId:     correlationID,
		CorrelationId: correlationID,
		ReplyTo:       directReplyTo,
		Body:          body,
	}
	if err := lc.Publish(c.requestExch, c.requestQueue, false, false, publishing); err != nil {
		return nil, errors.Publish("failed to publish RPC request", map[string]interface{}{"cause": err.Error()})
	}

	timer := time.NewTimer(ro.Timeout)
	defer timer.Stop()
	select {
	case resp := <-call.done:
		if resp.Success {
			return resp.Data, nil
		}
		if resp.Error != nil && resp.Error.Code == "CLIENT_CLOSED" {
			return nil, ErrClientClosed
		}
		return nil, rehydrateRemoteError(resp.Error)
	case <-ctx.Done():
		return nil, errors.Timeout("request aborted", map[string]interface{}{"command": msg.EventName})
	case <-timer.C:
		return nil, errors.Timeout("request timed out", map[string]interface{}{"command": msg.EventName, "timeout": ro.Timeout.String()})
	case <-c.stop:
		return nil, ErrClientClosed
	}
}

func rehydrateRemoteError(re *ResponseError) error {
	if re == nil {
		return errors.Handler("remote handler failed with no details", nil)
	}
	details := re.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	details["code"] = re.Code
	if re.Stack != "" {
		details["remoteStack"] = re.Stack
	}
	return errors.Handler(fmt.Sprintf("%s: %s", re.Code, re.Message), details)
}

// Close cancels the sweeper, cancels the reply consumer, rejects every
// pending call with ErrClientClosed, and closes the channel.
func (c *RpcClient) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	lc := c.lc
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.done <- &Response{Success: false, Error: &ResponseError{Code: "CLIENT_CLOSED", Message: "rpc client closed"}}
	}
	c.wg.Wait()
	if lc != nil {
		lc.Release()
	}
	return c.pool.Drain(ctx)
}
