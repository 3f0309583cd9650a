package cache

import "testing"

func TestPattern_Match(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"products:*", "products:1", true},
		{"products:*", "products:1:20:abcdef", true},
		{"products:*", "products:", true},
		{"products:*", "banners:active", false},
		{"products:*", "old-products:1", false}, // anchored at the start
		{"*:active", "banners:active", true},
		{"*:active", "banners:active:2", false}, // anchored at the end
		{"products:*:20:*", "products:3:20:ff", true},
		{"products:*:20:*", "products:3:50:ff", false},
		{"*", "anything:at:all", true},
		{"banners:active", "banners:active", true},
		{"banners:active", "banners:active2", false},
		{"search:[a]?", "search:[a]?", true}, // glob metacharacters are literal
		{"search:[a]?", "search:a!", false},
		{"products:*:20", "products:20", false}, // prefix and suffix may not overlap
		{"products:*:20", "products::20", true},
		{"a*a", "a", false},
		{"a*a", "aa", true},
		{"x:*:x", "x:x", false},
		{"ab*ba", "aba", false},
		{"ab*ba", "abba", true},
		{"a*b*a", "ab", false},
		{"", "", true},
		{"", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.key, func(t *testing.T) {
			p, err := CompilePattern(tt.pattern)
			if err != nil {
				t.Fatalf("CompilePattern(%q) error = %v", tt.pattern, err)
			}
			if got := p.Match(tt.key); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
			}
		})
	}
}

func TestPattern_ZeroValue(t *testing.T) {
	var p Pattern
	if p.Match("anything") {
		t.Error("zero Pattern should match nothing")
	}
}
