package hermes

import (
	"context"
	"sync"
	"time"

	"github.com/hermes-mq/hermes/errors"
	"github.com/hermes-mq/hermes/log"
)

// ErrPoolDraining is returned to Acquire calls that are waiting when Drain
// is called or that are issued while Drain is in progress. Once Drain has
// returned, Acquire fails with a "channel pool is closed" error instead.
var ErrPoolDraining = errors.Channel("channel pool is draining", nil)

// ErrChannelTimeout is returned by Acquire when no channel becomes
// available before the acquire timeout elapses.
var ErrChannelTimeout = errors.Timeout("timed out acquiring a channel", nil)

// LeasedChannel wraps a BrokerChannel leased from a ChannelPool. Release
// returns the lease to the pool. Close is the embedded BrokerChannel's
// Close: it closes the channel without informing the pool, so the lease
// still counts as in use.
type LeasedChannel struct {
	BrokerChannel
	pool      *ChannelPool
	createdAt time.Time
	lastUsed  time.Time

	// Confirms and Returns are registered once, at channel creation, and
	// stay valid across the channel's entire idle/in-use lifetime in the
	// pool, so publishers never re-register a listener on every lease.
	Confirms chan Confirmation
	Returns  chan Return
}

// Release returns the channel to the pool's idle set, waking the oldest
// FIFO waiter if one is blocked in Acquire.
func (lc *LeasedChannel) Release() {
	lc.pool.release(lc)
}

// ChannelPool leases confirm-mode channels derived from a ConnectionManager,
// bounded to [min, max] concurrently open channels.
type ChannelPool struct {
	cm               *ConnectionManager
	log              log.Logger
	prefetchCount    int
	prefetchSize     int
	min              int
	max              int
	acquireTimeout   time.Duration
	idleTimeout      time.Duration
	evictionInterval time.Duration

	mu       sync.Mutex
	idle     []*LeasedChannel
	inUse    int
	waiters  []chan *LeasedChannel
	draining bool
	closed   bool
	stopEvic chan struct{}
}

// NewChannelPool constructs a pool leasing channels from cm.
func NewChannelPool(cm *ConnectionManager, opts ...Option) (*ChannelPool, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	p := &ChannelPool{
		cm:               cm,
		log:              o.logger,
		prefetchCount:    o.prefetchCount,
		prefetchSize:     o.prefetchSize,
		min:              o.poolMin,
		max:              o.poolMax,
		acquireTimeout:   o.poolAcquireTimeout,
		idleTimeout:      o.poolIdleTimeout,
		evictionInterval: o.poolEvictionInterval,
		stopEvic:         make(chan struct{}),
	}
	go p.evictLoop()
	return p, nil
}

// Acquire returns an idle channel (without checking its health), opens a
// new one below max, or
// blocks FIFO until one is released, up to the pool's acquire timeout (and
// ctx's deadline, whichever is sooner).
func (p *ChannelPool) Acquire(ctx context.Context) (*LeasedChannel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.Channel("channel pool is closed", nil)
	}
	if p.draining {
		p.mu.Unlock()
		return nil, ErrPoolDraining
	}
	if n := len(p.idle); n > 0 {
		lc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		lc.lastUsed = time.Now()
		return lc, nil
	}
	if p.inUse < p.max {
		p.inUse++
		p.mu.Unlock()
		lc, err := p.open(ctx)
		if err != nil {
			p.mu.Lock()
			p.inUse--
			p.mu.Unlock()
			return nil, err
		}
		return lc, nil
	}

	waiter := make(chan *LeasedChannel, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()
	select {
	case lc, ok := <-waiter:
		if !ok {
			return nil, ErrPoolDraining
		}
		return lc, nil
	case <-timer.C:
		p.removeWaiter(waiter)
		return nil, ErrChannelTimeout
	case <-ctx.Done():
		p.removeWaiter(waiter)
		return nil, errors.Timeout("acquire cancelled", nil)
	}
}

func (p *ChannelPool) removeWaiter(waiter chan *LeasedChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *ChannelPool) open(ctx context.Context) (*LeasedChannel, error) {
	conn, err := p.cm.Connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Channel("failed to open channel", nil)
	}
	if err := ch.Qos(p.prefetchCount, p.prefetchSize, false); err != nil {
		_ = ch.Close()
		return nil, errors.Channel("failed to set channel QoS", nil)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, errors.Channel("failed to enable confirm mode", nil)
	}
	confirms := ch.NotifyPublish(make(chan Confirmation, 8))
	returns := ch.NotifyReturn(make(chan Return, 8))
	now := time.Now()
	return &LeasedChannel{
		BrokerChannel: ch,
		pool:          p,
		createdAt:     now,
		lastUsed:      now,
		Confirms:      confirms,
		Returns:       returns,
	}, nil
}

// release is the implementation behind LeasedChannel.Release.
func (p *ChannelPool) release(lc *LeasedChannel) {
	p.mu.Lock()
	p.inUse--
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.inUse++
		p.mu.Unlock()
		lc.lastUsed = time.Now()
		w <- lc
		return
	}
	lc.lastUsed = time.Now()
	p.idle = append(p.idle, lc)
	p.mu.Unlock()
}

// evictLoop periodically closes idle channels that have sat unused longer
// than idleTimeout, while keeping at least min.
func (p *ChannelPool) evictLoop() {
	ticker := time.NewTicker(p.evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopEvic:
			return
		case <-ticker.C:
			p.evictOnce()
		}
	}
}

func (p *ChannelPool) evictOnce() {
	p.mu.Lock()
	keep := make([]*LeasedChannel, 0, len(p.idle))
	var toClose []*LeasedChannel
	now := time.Now()
	for _, lc := range p.idle {
		if len(keep)+p.inUse < p.min || now.Sub(lc.lastUsed) < p.idleTimeout {
			keep = append(keep, lc)
			continue
		}
		toClose = append(toClose, lc)
	}
	p.idle = keep
	p.mu.Unlock()

	for _, lc := range toClose {
		if err := lc.BrokerChannel.Close(); err != nil {
			p.log.WithField("error", err.Error()).Warning("failed closing idle channel")
		}
	}
}

// Drain stops accepting new Acquire calls (failing them and any pending
// waiters with ErrPoolDraining), waits for in-use channels to be Released
// up to ctx's deadline, then closes every idle channel. Channels still
// leased when ctx ends are not closed.
func (p *ChannelPool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}

	for {
		p.mu.Lock()
		inUse := p.inUse
		p.mu.Unlock()
		if inUse == 0 {
			break
		}
		select {
		case <-ctx.Done():
			goto forceClose
		case <-time.After(50 * time.Millisecond):
		}
	}

forceClose:
	close(p.stopEvic)
	p.mu.Lock()
	remaining := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for _, lc := range remaining {
		if err := lc.BrokerChannel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
