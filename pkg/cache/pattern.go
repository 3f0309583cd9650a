package cache

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Pattern is a compiled key pattern.
type Pattern struct {
	raw    string
	g      glob.Glob
	minLen int // total length of the literal parts
}

// CompilePattern compiles an anchored key pattern where '*' matches any
// substring (including the separator and the empty string). Every other
// character matches itself.
func CompilePattern(pattern string) (Pattern, error) {
	parts := strings.Split(pattern, "*")
	minLen := 0
	for i, part := range parts {
		minLen += len(part)
		parts[i] = glob.QuoteMeta(part)
	}

	// No separators: '*' is free to cross ':' boundaries.
	g, err := glob.Compile(strings.Join(parts, "*"))
	if err != nil {
		return Pattern{}, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}

	return Pattern{raw: pattern, g: g, minLen: minLen}, nil
}

// Match reports whether the whole key matches the pattern.
func (p Pattern) Match(key string) bool {
	if p.g == nil {
		return false
	}
	// glob's prefix-suffix matcher lets the two overlap, so "a*a" would
	// otherwise match "a".
	if len(key) < p.minLen {
		return false
	}
	return p.g.Match(key)
}

// String returns the source pattern.
func (p Pattern) String() string {
	return p.raw
}
