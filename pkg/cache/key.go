package cache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Separator joins key segments.
const Separator = ":"

// Key represents a unique identifier for a cached storefront read.
type Key struct {
	// Namespace is the resource the key belongs to (e.g., "products", "banners").
	Namespace string

	// Segments are positional parts such as page and limit.
	Segments []string

	// Filters are free-form query filters; they are folded into a single hash
	// segment so keys stay short and order-independent.
	Filters map[string]string
}

// String generates a deterministic cache key string.
// Format: namespace:segment1:segment2:filtersHash
//
// Example:
//
//	products:1:20:8f2b1c0d9e4a7b36
//
// The filters hash segment is omitted when there are no filters.
func (k Key) String() string {
	parts := make([]string, 0, len(k.Segments)+2)

	if ns := strings.Trim(k.Namespace, Separator); ns != "" {
		parts = append(parts, ns)
	}

	for _, seg := range k.Segments {
		parts = append(parts, strings.ReplaceAll(seg, Separator, "_"))
	}

	if len(k.Filters) > 0 {
		parts = append(parts, FiltersHash(k.Filters))
	}

	return strings.Join(parts, Separator)
}

// Pattern returns the glob matching every key in the namespace.
func (k Key) Pattern() string {
	return strings.Trim(k.Namespace, Separator) + Separator + "*"
}

// FiltersHash returns a 16 hex digit hash of the filters, independent of map
// iteration order.
func FiltersHash(filters map[string]string) string {
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)

	d := xxhash.New()
	for _, name := range names {
		_, _ = d.WriteString(name)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(filters[name])
		_, _ = d.WriteString("\x00")
	}

	return fmt.Sprintf("%016x", d.Sum64())
}

// JoinKey joins segments with the key separator.
func JoinKey(parts ...string) string {
	return strings.Join(parts, Separator)
}
