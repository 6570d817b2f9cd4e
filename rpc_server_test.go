package hermes

import (
	"context"
	"testing"
	"time"

	"github.com/hermes-mq/hermes/errors"
)

func newTestRpcPair(t *testing.T, queue string, serverOpts ...Option) (*RpcClient, *RpcServer) {
	t.Helper()
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)

	server, err := NewRpcServer(cm, RpcServerConfig{Queue: Queue{Name: queue}}, serverOpts...)
	if err != nil {
		t.Fatal(err)
	}

	client, err := NewRpcClient(cm, RpcClientConfig{RequestQueue: queue})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = client.Close(context.Background())
		_ = server.Stop(context.Background(), StopOptions{Timeout: time.Second})
	})
	return client, server
}

func TestRpcEndToEndAdd(t *testing.T) {
	client, server := newTestRpcPair(t, "rpc.add")
	if err := server.RegisterHandler("ADD", nil, func(ctx context.Context, msg *Message) (Result, error) {
		data := msg.Data.(map[string]interface{})
		a := data["a"].(float64)
		b := data["b"].(float64)
		return Result{Data: map[string]interface{}{"sum": a + b}}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := client.Send(ctx, "add", map[string]interface{}{"a": 5, "b": 3})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	m, ok := res.(map[string]interface{})
	if !ok || m["sum"] != 8.0 {
		t.Fatalf("unexpected response: %#v", res)
	}
}

func TestRpcCommandNamesAreCaseInsensitive(t *testing.T) {
	client, server := newTestRpcPair(t, "rpc.case")
	if err := server.RegisterHandler("ping", nil, func(ctx context.Context, msg *Message) (Result, error) {
		return Result{Data: "pong"}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if server.GetHandlerCount() != 1 {
		t.Fatalf("expected 1 handler, got %d", server.GetHandlerCount())
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := client.Send(ctx, "PING", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res != "pong" {
		t.Fatalf("expected pong, got %v", res)
	}

	server.UnregisterHandler("PING")
	if server.GetHandlerCount() != 0 {
		t.Fatalf("expected handler count restored to 0 after unregister, got %d", server.GetHandlerCount())
	}
}

func TestRpcTimeout(t *testing.T) {
	client, server := newTestRpcPair(t, "rpc.timeout")
	if err := server.RegisterHandler("SLOW", nil, func(ctx context.Context, msg *Message) (Result, error) {
		time.Sleep(300 * time.Millisecond)
		return Result{Data: "done"}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	_, err := client.Send(ctx, "SLOW", nil, WithRequestTimeout(50*time.Millisecond))
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if kind, ok := errors.KindOf(err); !ok || kind != errors.KindTimeout {
		t.Fatalf("expected KindTimeout, got %v (%v)", kind, err)
	}
}

func TestRpcUnknownCommandSurfacesHandlerError(t *testing.T) {
	client, server := newTestRpcPair(t, "rpc.unknown")
	if err := server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Send(ctx, "NOPE", nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered command")
	}
}

func TestRpcDeduplicationRunsHandlerOnce(t *testing.T) {
	var calls int
	client, server := newTestRpcPair(t, "rpc.dedup", WithDeduplication(16, time.Minute, func(payload interface{}) string {
		data, _ := payload.(map[string]interface{})
		id, _ := data["userId"].(string)
		return id
	}))
	if err := server.RegisterHandler("TOUCH", nil, func(ctx context.Context, msg *Message) (Result, error) {
		calls++
		return Result{Data: "ok"}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Send(ctx, "TOUCH", map[string]interface{}{"userId": "u1", "payload": "a"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.Send(ctx, "TOUCH", map[string]interface{}{"userId": "u1", "payload": "b"})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected the handler to run exactly once under deduplication, ran %d times", calls)
	}
}

func TestRpcServerAckAutoRetriesWithinBudgetThenDropsPastMaxRetries(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)

	var calls int
	server, err := NewRpcServer(cm, RpcServerConfig{Queue: Queue{Name: "rpc.retry"}}, WithRetryPolicy(2, nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := server.RegisterHandler("FAIL", nil, func(ctx context.Context, msg *Message) (Result, error) {
		calls++
		return Result{}, errors.Handler("always fails", nil)
	}); err != nil {
		t.Fatal(err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer server.Stop(context.Background(), StopOptions{Force: true})

	client, err := NewRpcClient(cm, RpcClientConfig{RequestQueue: "rpc.retry"})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Send(ctx, "FAIL", nil); err == nil {
		t.Fatal("expected the call to fail")
	}

	// maxRetries=2 means attempts 0->1->2 requeue, and the 3rd delivery
	// (attempt count == maxRetries) is dropped instead of requeued, for a
	// total of 3 handler invocations (initial + 2 retries).
	if !eventually(time.Second, func() bool { return calls == 3 }) {
		t.Fatalf("expected exactly 3 handler invocations (initial + 2 retries), got %d", calls)
	}
}
