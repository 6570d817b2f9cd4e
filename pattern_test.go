package hermes

import "testing"

func TestCompilePatternMatching(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"*", "order", true},
		{"*", "order.created", false},
		{"#", "anything.goes.here", true},
		{"#", "", true},
		{"a.*", "a", false},
		{"a.*", "a.b", true},
		{"a.#", "a", true},
		{"a.#", "a.b", true},
		{"a.#", "a.b.c", true},
		{"order.#", "order.created", true},
		{"order.#", "order.shipped.express", true},
		{"order.#", "user.created", false},
		{"user.*", "order.created", false},
		{"user.*", "user.created", true},
		{"*.created", "order.created", true},
		{"*.created", "order.shipped", false},
	}

	for _, c := range cases {
		re, err := compilePattern(c.pattern)
		if err != nil {
			t.Fatalf("compilePattern(%q): %v", c.pattern, err)
		}
		if got := re.MatchString(c.key); got != c.want {
			t.Errorf("pattern %q vs key %q: got %v, want %v", c.pattern, c.key, got, c.want)
		}
	}
}

func TestCompilePatternLiteralSegments(t *testing.T) {
	re, err := compilePattern("order.created")
	if err != nil {
		t.Fatal(err)
	}
	if !re.MatchString("order.created") {
		t.Error("expected exact literal match")
	}
	if re.MatchString("order.created.extra") {
		t.Error("literal pattern must not match a longer key")
	}
}
