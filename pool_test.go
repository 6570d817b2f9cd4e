package hermes

import (
	"context"
	"testing"
	"time"
)

func newTestConnectionManager(t *testing.T, broker *fakeBroker) *ConnectionManager {
	t.Helper()
	cm, err := NewConnectionManager("amqp://localhost", WithDialer(broker.dialer()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cm.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cm.Close() })
	return cm
}

func TestChannelPoolAcquireReleaseReuse(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)
	pool, err := NewChannelPool(cm, WithChannelPool(1, 2, time.Second, time.Minute, time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Drain(context.Background())

	ctx := context.Background()
	lc1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	lc1.Release()

	lc2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if lc1 != lc2 {
		t.Fatal("expected the released channel to be reused")
	}
	lc2.Release()
}

func TestChannelPoolAcquireTimeoutWhenExhausted(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)
	pool, err := NewChannelPool(cm, WithChannelPool(1, 1, 50*time.Millisecond, time.Minute, time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Drain(context.Background())

	ctx := context.Background()
	lc, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	_, err = pool.Acquire(ctx)
	if err != ErrChannelTimeout {
		t.Fatalf("expected ErrChannelTimeout, got %v", err)
	}
	lc.Release()
}

func TestChannelPoolDrainRejectsFurtherAcquires(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)
	pool, err := NewChannelPool(cm, WithChannelPool(1, 2, time.Second, time.Minute, time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := pool.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Acquire(ctx); err == nil {
		t.Fatal("expected Acquire to fail once the pool has drained")
	}
}

func TestChannelPoolOpensUpToMax(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)
	pool, err := NewChannelPool(cm, WithChannelPool(0, 2, time.Second, time.Minute, time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Drain(context.Background())

	ctx := context.Background()
	lc1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	lc2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if lc1 == lc2 {
		t.Fatal("expected two distinct channels below max")
	}
	lc1.Release()
	lc2.Release()
}
