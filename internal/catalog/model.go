package catalog

import (
	"strconv"
	"time"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
)

// Product is a storefront product listing.
type Product struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	PriceCents int64     `json:"price_cents"`
	InStock    bool      `json:"in_stock"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Banner is a promotional banner with an optional schedule.
type Banner struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	ImageURL string    `json:"image_url"`
	Active   bool      `json:"active"`
	StartsAt time.Time `json:"starts_at,omitzero"`
	EndsAt   time.Time `json:"ends_at,omitzero"`
}

// LiveAt reports whether the banner is active and inside its schedule at t.
func (b Banner) LiveAt(t time.Time) bool {
	if !b.Active {
		return false
	}
	if !b.StartsAt.IsZero() && t.Before(b.StartsAt) {
		return false
	}
	if !b.EndsAt.IsZero() && !t.Before(b.EndsAt) {
		return false
	}
	return true
}

// DashboardStats is the aggregated storefront dashboard.
type DashboardStats struct {
	Orders       int64     `json:"orders"`
	RevenueCents int64     `json:"revenue_cents"`
	ActiveUsers  int64     `json:"active_users"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Supported product filters.
const (
	FilterCategory = "category"
	FilterInStock  = "in_stock"
)

// DefaultLimit and MaxLimit bound the page size of product queries.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Query selects one page of products.
type Query struct {
	Page    int
	Limit   int
	Filters map[string]string
}

// Normalize clamps page and limit to valid values.
func (q Query) Normalize() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return q
}

// matches reports whether p passes the query filters. Unknown filters are
// ignored.
func (q Query) matches(p Product) bool {
	if c, ok := q.Filters[FilterCategory]; ok && c != "" && c != p.Category {
		return false
	}
	if s, ok := q.Filters[FilterInStock]; ok && s != "" {
		want, err := strconv.ParseBool(s)
		if err == nil && want != p.InStock {
			return false
		}
	}
	return true
}

// ProductPage is one page of a product listing.
type ProductPage struct {
	Items      []Product `json:"items"`
	Page       int       `json:"page"`
	Limit      int       `json:"limit"`
	Total      int       `json:"total"`
	TotalPages int       `json:"total_pages"`
}

// Cache namespaces.
const (
	NamespaceProducts  = "products"
	NamespaceBanners   = "banners"
	NamespaceDashboard = "dashboard"
)

// ProductsKey returns the cache key of a product query.
//
//	products:2:20           no filters
//	products:2:20:<hash>    with filters
func ProductsKey(q Query) string {
	q = q.Normalize()
	return cache.Key{
		Namespace: NamespaceProducts,
		Segments:  []string{strconv.Itoa(q.Page), strconv.Itoa(q.Limit)},
		Filters:   q.Filters,
	}.String()
}

// BannersKey is the cache key of the active banners.
func BannersKey() string {
	return cache.JoinKey(NamespaceBanners, "active")
}

// DashboardKey is the cache key of the dashboard stats.
func DashboardKey() string {
	return cache.JoinKey(NamespaceDashboard, "stats")
}
