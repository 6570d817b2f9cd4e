package hermes

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlFixture mirrors the kind of declarative topology file an operator
// would hand-write alongside a deployment, exercising the same yaml.v3
// round-trip the teacher's own config loading relies on.
const yamlFixture = `
exchanges:
  - name: orders
    kind: topic
    durable: true
bindings:
  - exchange: orders
    queue: orders.audit
    routing_key: ["order.#"]
queues:
  - name: orders.audit
    durable: true
`

func TestTopologyYAMLRoundTrip(t *testing.T) {
	var topo Topology
	if err := yaml.Unmarshal([]byte(yamlFixture), &topo); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(topo.Exchanges) != 1 || topo.Exchanges[0].Name != "orders" || topo.Exchanges[0].Kind != "topic" {
		t.Fatalf("unexpected exchanges: %+v", topo.Exchanges)
	}
	if len(topo.Queues) != 1 || topo.Queues[0].Name != "orders.audit" || !topo.Queues[0].Durable {
		t.Fatalf("unexpected queues: %+v", topo.Queues)
	}
	if len(topo.Bindings) != 1 || topo.Bindings[0].Exchange != "orders" || topo.Bindings[0].RoutingKey[0] != "order.#" {
		t.Fatalf("unexpected bindings: %+v", topo.Bindings)
	}

	out, err := yaml.Marshal(&topo)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var roundTripped Topology
	if err := yaml.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if roundTripped.Exchanges[0].Name != topo.Exchanges[0].Name {
		t.Fatalf("round trip lost data: %+v", roundTripped)
	}
}

func TestQueueOptionsAsArguments(t *testing.T) {
	ttl := 30 * time.Second
	opts := &QueueOptions{
		MessageTTL: &ttl,
		MaxLength:  100,
		DLExchange: "dlx",
		Overflow:   OverflowRejectDL,
	}
	args := opts.AsArguments()
	if args["x-message-ttl"] != int64(30000) {
		t.Fatalf("unexpected ttl arg: %v", args["x-message-ttl"])
	}
	if args["x-max-length"] != uint(100) {
		t.Fatalf("unexpected max-length arg: %v", args["x-max-length"])
	}
	if args["x-dead-letter-exchange"] != "dlx" {
		t.Fatalf("unexpected dlx arg: %v", args["x-dead-letter-exchange"])
	}
	if args["x-overflow"] != OverflowRejectDL {
		t.Fatalf("unexpected overflow arg: %v", args["x-overflow"])
	}
}

func TestDLQOptionsDefaults(t *testing.T) {
	o := DLQOptions{}.withDefaults("orders")
	if o.Exchange != "dlx" {
		t.Fatalf("expected default dlx exchange, got %q", o.Exchange)
	}
	if o.DeadRoutingKey != "orders.dead" {
		t.Fatalf("expected default dead routing key, got %q", o.DeadRoutingKey)
	}
	if dlqName("orders") != "orders.dlq" {
		t.Fatalf("expected orders.dlq, got %q", dlqName("orders"))
	}
}

// TestEnvelopeJSONRoundTrip exercises the canonical pub/sub wire shape
// described in spec.md §6.
func TestEnvelopeJSONRoundTrip(t *testing.T) {
	env := Envelope{
		EventName: "order.created",
		Data:      map[string]interface{}{"id": "o1"},
		Timestamp: 1700000000000,
		Metadata:  map[string]interface{}{"source": "test"},
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.EventName != env.EventName || decoded.Timestamp != env.Timestamp {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}
