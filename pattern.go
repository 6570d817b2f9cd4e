package hermes

import (
	"regexp"
	"strings"
)

// compilePattern converts a binding-key pattern into an anchored regular
// expression: "." separates segments, "*" matches exactly one segment
// ("[^.]+"), and "#" matches zero or more whole segments, including the
// separating dots it would otherwise require — so "a.#" matches "a" itself,
// not just "a.<something>".
func compilePattern(pattern string) (*regexp.Regexp, error) {
	segments := strings.Split(pattern, ".")

	if len(segments) == 1 {
		if segments[0] == "#" {
			return regexp.Compile("^.*$")
		}
		return regexp.Compile("^" + literalFragment(segments[0]) + "$")
	}

	var b strings.Builder
	b.WriteString("^")
	for i, seg := range segments {
		b.WriteString(hashFragment(seg, i, segments))
		if i == len(segments)-1 {
			continue
		}
		// The dot between this segment and the next is absorbed into a
		// "#" token's own repetition unit rather than emitted as a
		// separate mandatory literal.
		next := segments[i+1]
		if next == "#" || (seg == "#" && i == 0) {
			continue
		}
		b.WriteString(`\.`)
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// hashFragment returns the regex fragment for the segment at index i,
// choosing the repetition direction a "#" token absorbs its adjoining dot
// from based on whether it opens, closes, or sits inside the pattern.
func hashFragment(seg string, i int, segments []string) string {
	switch seg {
	case "*":
		return `[^.]+`
	case "#":
		if i == 0 {
			// Leading "#": each optional segment brings its own
			// trailing dot, absorbing the suppressed gap after it.
			return `(?:[^.]+\.)*`
		}
		// Middle or trailing "#": each optional segment brings its own
		// leading dot, absorbing the suppressed gap before it.
		return `(?:\.[^.]+)*`
	default:
		return literalFragment(seg)
	}
}

func literalFragment(seg string) string {
	if seg == "*" {
		return `[^.]+`
	}
	return regexp.QuoteMeta(seg)
}
