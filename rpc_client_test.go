package hermes

import (
	"context"
	"testing"
	"time"
)

func TestRpcClientCloseRejectsPendingCalls(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)

	// No server is registered to consume "rpc.orphan", so the call stays
	// pending until Close rejects it.
	client, err := NewRpcClient(cm, RpcClientConfig{RequestQueue: "rpc.orphan"}, WithDefaultTimeout(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), "PING", nil)
		resultCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatal("expected Send to fail once the client is closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Send never returned after Close")
	}
}

func TestRpcClientSendAfterCloseFailsImmediately(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)
	client, err := NewRpcClient(cm, RpcClientConfig{RequestQueue: "rpc.closed"})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Send(context.Background(), "PING", nil); err != ErrClientClosed {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}

func TestRpcClientRejectsEmptyCommand(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)
	client, err := NewRpcClient(cm, RpcClientConfig{RequestQueue: "rpc.empty"})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close(context.Background())

	if _, err := client.Send(context.Background(), "", nil); err == nil {
		t.Fatal("expected a validation error for an empty command")
	}
}

func TestRpcClientAbortViaContext(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)
	client, err := NewRpcClient(cm, RpcClientConfig{RequestQueue: "rpc.abort"}, WithDefaultTimeout(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan error, 1)
	go func() {
		_, err := client.Send(ctx, "PING", nil)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatal("expected Send to fail once the context is cancelled")
		}
	case <-time.After(time.Second):
		t.Fatal("Send never returned after context cancellation")
	}
}
