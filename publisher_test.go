package hermes

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestPublisherPublishDeclaresExchange(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)
	pub, err := NewPublisher(cm)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close(context.Background())

	ctx := context.Background()
	if err := pub.Publish(ctx, "order.created", map[string]interface{}{"id": 1}, ToExchange("orders"), WithRoutingKey("order.created")); err != nil {
		t.Fatal(err)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if _, ok := broker.exchanges["orders"]; !ok {
		t.Fatal("expected the publisher to declare the destination exchange")
	}
}

func TestPublisherEndToEndWithSubscriber(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)

	sub, err := NewSubscriber(cm, SubscriberConfig{Exchange: "orders", Queue: Queue{Name: "q.orders"}})
	if err != nil {
		t.Fatal(err)
	}
	received := make(chan string, 4)
	if err := sub.On("order.#", nil, func(ctx context.Context, msg *Message) (Result, error) {
		received <- msg.EventName
		return Result{}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := sub.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sub.Stop(context.Background())

	pub, err := NewPublisher(cm)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close(context.Background())

	ctx := context.Background()
	if err := pub.Publish(ctx, "order.created", map[string]interface{}{"id": 1}, ToExchange("orders"), WithRoutingKey("order.created")); err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(ctx, "order.shipped.express", map[string]interface{}{"id": 2}, ToExchange("orders"), WithRoutingKey("order.shipped.express")); err != nil {
		t.Fatal(err)
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-received:
			got[ev] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	if !got["order.created"] || !got["order.shipped.express"] {
		t.Fatalf("expected both events to reach the handler, got %v", got)
	}
}

func TestPublisherRejectsEmptyEventName(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)
	pub, err := NewPublisher(cm)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close(context.Background())

	if err := pub.Publish(context.Background(), "", nil); err == nil {
		t.Fatal("expected a validation error for empty eventName")
	}
}

func TestPublisherRejectsDelayOver24Hours(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)
	pub, err := NewPublisher(cm)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close(context.Background())

	err = pub.Publish(context.Background(), "evt", nil, ToExchange("x"), WithDelay(24*time.Hour+time.Millisecond))
	if err == nil {
		t.Fatal("expected delay exceeding 24h to be rejected")
	}
}

func TestPublisherDelayDeclaresNamedTTLQueue(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)
	pub, err := NewPublisher(cm)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close(context.Background())

	if err := pub.Publish(context.Background(), "delayed-event", map[string]interface{}{"x": 1}, ToExchange("X"), WithRoutingKey("delayed-event"), WithDelay(5*time.Second)); err != nil {
		t.Fatal(err)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	var found bool
	for name := range broker.queues {
		if strings.HasPrefix(name, "hermes.delay.5000.") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a hermes.delay.5000.* queue, got queues: %v", keysOf(broker.queues))
	}
}

func TestPublisherScheduledAtInPastFallsBackToImmediate(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)
	pub, err := NewPublisher(cm)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close(context.Background())

	if err := pub.Publish(context.Background(), "evt", nil, ToExchange("X"), WithScheduledAt(time.Now().Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	for name := range broker.queues {
		if strings.HasPrefix(name, "hermes.delay.") {
			t.Fatalf("did not expect a delay queue for a past scheduledAt, found %q", name)
		}
	}
}

func TestPublisherToManyFanOut(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)
	pub, err := NewPublisher(cm)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close(context.Background())

	if err := pub.PublishToMany(context.Background(), []string{"ex1", "ex2"}, "evt", map[string]interface{}{"v": 1}, WithRoutingKey("evt")); err != nil {
		t.Fatal(err)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if _, ok := broker.exchanges["ex1"]; !ok {
		t.Fatal("expected ex1 to be declared")
	}
	if _, ok := broker.exchanges["ex2"]; !ok {
		t.Fatal("expected ex2 to be declared")
	}
}

func TestPublisherToManyRejectsEmptyExchangeList(t *testing.T) {
	broker := newFakeBroker()
	cm := newTestConnectionManager(t, broker)
	pub, err := NewPublisher(cm)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close(context.Background())

	if err := pub.PublishToMany(context.Background(), nil, "evt", nil); err == nil {
		t.Fatal("expected a validation error for an empty exchange list")
	}
}

func TestPublisherEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{EventName: "order.created", Data: map[string]interface{}{"id": 1.0}, Timestamp: 123, Metadata: map[string]interface{}{"k": "v"}}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Envelope
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.EventName != env.EventName || decoded.Timestamp != env.Timestamp {
		t.Fatalf("round-trip mismatch: %#v vs %#v", decoded, env)
	}
}

func keysOf(m map[string]*fakeQueueDef) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
