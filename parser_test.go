package hermes

import "testing"

func TestMessageParserAcceptsValidJSON(t *testing.T) {
	p := NewMessageParser(0)
	data, failure := p.Parse([]byte(`{"a":1}`), MessageProperties{}, ParseOptions{})
	if failure != nil {
		t.Fatalf("unexpected failure: %v", failure)
	}
	m, ok := data.(map[string]interface{})
	if !ok || m["a"] != 1.0 {
		t.Fatalf("unexpected decoded value: %#v", data)
	}
}

func TestMessageParserRejectsOversizeFrame(t *testing.T) {
	p := NewMessageParser(4)
	_, failure := p.Parse([]byte(`{"a":1}`), MessageProperties{}, ParseOptions{})
	if failure == nil {
		t.Fatal("expected a size failure")
	}
}

func TestMessageParserRejectsNulByte(t *testing.T) {
	p := NewMessageParser(0)
	raw := append([]byte(`"`), append([]byte{0x00}, []byte(`"`)...)...)
	_, failure := p.Parse(raw, MessageProperties{}, ParseOptions{})
	if failure == nil {
		t.Fatal("expected a NUL-byte failure")
	}
}

func TestMessageParserRejectsInvalidJSON(t *testing.T) {
	p := NewMessageParser(0)
	_, failure := p.Parse([]byte(`{not json`), MessageProperties{}, ParseOptions{})
	if failure == nil {
		t.Fatal("expected a parse failure")
	}
}

func TestMessageParserRejectsNullValue(t *testing.T) {
	p := NewMessageParser(0)
	_, failure := p.Parse([]byte(`null`), MessageProperties{}, ParseOptions{})
	if failure == nil {
		t.Fatal("expected a null-value failure")
	}
}

func TestMessageParserFailureCarriesConfiguredStrategy(t *testing.T) {
	p := NewMessageParser(0)
	_, failure := p.Parse([]byte(`null`), MessageProperties{}, ParseOptions{OnMalformed: StrategyIgnore})
	if failure == nil || failure.Strategy != StrategyIgnore {
		t.Fatalf("expected StrategyIgnore, got %#v", failure)
	}
}
