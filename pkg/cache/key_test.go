package cache

import (
	"strings"
	"testing"
)

func TestKey_String(t *testing.T) {
	filters := map[string]string{"category": "shoes", "sort": "price"}

	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "namespace only",
			key:  Key{Namespace: "banners"},
			want: "banners",
		},
		{
			name: "namespace with segments",
			key:  Key{Namespace: "banners", Segments: []string{"active"}},
			want: "banners:active",
		},
		{
			name: "product listing with filters",
			key:  Key{Namespace: "products", Segments: []string{"1", "20"}, Filters: filters},
			want: "products:1:20:" + FiltersHash(filters),
		},
		{
			name: "separator inside a segment is neutralised",
			key:  Key{Namespace: "search", Segments: []string{"a:b"}},
			want: "search:a_b",
		},
		{
			name: "namespace is trimmed",
			key:  Key{Namespace: ":dashboard:", Segments: []string{"stats"}},
			want: "dashboard:stats",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.key.String()
			if got != tt.want {
				t.Errorf("Key.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestFiltersHash_Determinism ensures map ordering never changes the key.
func TestFiltersHash_Determinism(t *testing.T) {
	a := map[string]string{"param_z": "z", "param_a": "a", "param_m": "m"}
	b := map[string]string{"param_m": "m", "param_a": "a", "param_z": "z"}

	first := FiltersHash(a)
	for i := 0; i < 10; i++ {
		if got := FiltersHash(b); got != first {
			t.Fatalf("FiltersHash() = %v, want %v (not deterministic)", got, first)
		}
	}

	if len(first) != 16 {
		t.Errorf("hash length = %d, want 16", len(first))
	}
}

func TestFiltersHash_DistinguishesValues(t *testing.T) {
	tests := []struct {
		name string
		a, b map[string]string
	}{
		{
			name: "different values",
			a:    map[string]string{"category": "shoes"},
			b:    map[string]string{"category": "hats"},
		},
		{
			name: "value moved across names",
			a:    map[string]string{"a": "bc"},
			b:    map[string]string{"ab": "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if FiltersHash(tt.a) == FiltersHash(tt.b) {
				t.Errorf("FiltersHash(%v) == FiltersHash(%v)", tt.a, tt.b)
			}
		})
	}
}

func TestKey_Pattern(t *testing.T) {
	key := Key{Namespace: "products", Segments: []string{"1", "20"}}
	pattern := key.Pattern()

	if pattern != "products:*" {
		t.Errorf("Pattern() = %q, want products:*", pattern)
	}
	if !strings.HasPrefix(key.String(), strings.TrimSuffix(pattern, "*")) {
		t.Errorf("key %q should fall under pattern %q", key.String(), pattern)
	}
}

func TestJoinKey(t *testing.T) {
	if got := JoinKey("products", "1", "20"); got != "products:1:20" {
		t.Errorf("JoinKey() = %q", got)
	}
}
