package hermes

import (
	"testing"
	"time"
)

func TestDeduplicatorStoreAndHit(t *testing.T) {
	d, err := NewDeduplicator(8, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}

	key := d.Key([]byte(`{"a":1}`), map[string]interface{}{"a": 1.0}, MessageProperties{MessageID: "m1"})
	if key != "m1" {
		t.Fatalf("expected messageId key, got %q", key)
	}

	if _, dup := d.Check(key); dup {
		t.Fatal("expected miss before Store")
	}
	d.Store(key, "result")
	val, dup := d.Check(key)
	if !dup {
		t.Fatal("expected hit after Store")
	}
	if val != "result" {
		t.Fatalf("expected memoized value, got %v", val)
	}
}

func TestDeduplicatorKeyExtractorTakesPrecedence(t *testing.T) {
	extractor := func(payload interface{}) string {
		m, _ := payload.(map[string]interface{})
		id, _ := m["userId"].(string)
		return id
	}
	d, err := NewDeduplicator(8, time.Minute, extractor)
	if err != nil {
		t.Fatal(err)
	}

	k1 := d.Key([]byte(`{"userId":"u1","payload":"x"}`), map[string]interface{}{"userId": "u1"}, MessageProperties{MessageID: "m1"})
	k2 := d.Key([]byte(`{"userId":"u1","payload":"y"}`), map[string]interface{}{"userId": "u1"}, MessageProperties{MessageID: "m2"})
	if k1 != k2 {
		t.Fatalf("expected identical keys for same userId, got %q vs %q", k1, k2)
	}
}

func TestDeduplicatorFallsBackToContentHash(t *testing.T) {
	d, err := NewDeduplicator(8, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	k1 := d.Key([]byte("same-body"), nil, MessageProperties{})
	k2 := d.Key([]byte("same-body"), nil, MessageProperties{})
	k3 := d.Key([]byte("other-body"), nil, MessageProperties{})
	if k1 != k2 {
		t.Fatal("expected identical hash for identical raw content")
	}
	if k1 == k3 {
		t.Fatal("expected different hash for different raw content")
	}
}

func TestDeduplicatorTTLExpiry(t *testing.T) {
	d, err := NewDeduplicator(8, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	d.Store("k", "v")
	if _, dup := d.Check("k"); !dup {
		t.Fatal("expected hit immediately after store")
	}
	time.Sleep(30 * time.Millisecond)
	if _, dup := d.Check("k"); dup {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestDeduplicatorDisabled(t *testing.T) {
	d, err := NewDeduplicator(0, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	d.Store("k", "v")
	if _, dup := d.Check("k"); dup {
		t.Fatal("disabled deduplicator must always report a miss")
	}
}

func TestDeduplicatorCapacityEviction(t *testing.T) {
	d, err := NewDeduplicator(2, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	d.Store("a", 1)
	d.Store("b", 2)
	d.Store("c", 3) // evicts "a", the least-recently-used entry
	if _, dup := d.Check("a"); dup {
		t.Fatal("expected eviction of least-recently-used entry")
	}
	if _, dup := d.Check("b"); !dup {
		t.Fatal("expected b to survive")
	}
	if _, dup := d.Check("c"); !dup {
		t.Fatal("expected c to survive")
	}
}
