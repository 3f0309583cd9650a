package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/resilience"
	"github.com/Sternrassler/storefront-cache/pkg/swr"
)

// Policy is the freshness window of a read model.
type Policy struct {
	TTL            time.Duration
	StaleExtension time.Duration
}

// Policies holds the policy of each read model.
type Policies struct {
	Products  Policy
	Banners   Policy
	Dashboard Policy
}

// DefaultPolicies returns the default freshness windows.
func DefaultPolicies() Policies {
	return Policies{
		Products:  Policy{TTL: 60 * time.Second, StaleExtension: 120 * time.Second},
		Banners:   Policy{TTL: 5 * time.Minute, StaleExtension: 10 * time.Minute},
		Dashboard: Policy{TTL: 30 * time.Second, StaleExtension: 60 * time.Second},
	}
}

// Reader loads the read models from the upstream store.
type Reader interface {
	Products(ctx context.Context, q Query) (ProductPage, error)
	ActiveBanners(ctx context.Context) ([]Banner, error)
	DashboardStats(ctx context.Context) (DashboardStats, error)
}

// Read is a value served through the cache with its cache status
// ("fresh", "stale" or "miss").
type Read[T any] struct {
	Value  T
	Status string
}

// Executors holds one executor per read model, so an outage of one read
// model does not open the breaker of another.
type Executors struct {
	Products  *resilience.Executor
	Banners   *resilience.Executor
	Dashboard *resilience.Executor
}

// All returns the executors in a fixed order.
func (e Executors) All() []*resilience.Executor {
	return []*resilience.Executor{e.Products, e.Banners, e.Dashboard}
}

// Source serves the storefront read models through the SWR coordinators.
type Source struct {
	reader   Reader
	cache    *cache.Cache
	execs    Executors
	policies Policies

	products  *swr.Coordinator
	banners   *swr.Coordinator
	dashboard *swr.Coordinator
}

// NewSource creates a source reading from reader. All coordinators share c.
func NewSource(reader Reader, c *cache.Cache, execs Executors, policies Policies, opts ...swr.Option) *Source {
	return &Source{
		reader:    reader,
		cache:     c,
		execs:     execs,
		policies:  policies,
		products:  swr.New(c, execs.Products, opts...),
		banners:   swr.New(c, execs.Banners, opts...),
		dashboard: swr.New(c, execs.Dashboard, opts...),
	}
}

// Products returns a page of products.
func (s *Source) Products(ctx context.Context, q Query) (Read[ProductPage], error) {
	q = q.Normalize()
	return lookup(ctx, s.products, ProductsKey(q), func(ctx context.Context) (ProductPage, error) {
		return s.reader.Products(ctx, q)
	}, s.policies.Products)
}

// ActiveBanners returns the live banners.
func (s *Source) ActiveBanners(ctx context.Context) (Read[[]Banner], error) {
	return lookup(ctx, s.banners, BannersKey(), s.reader.ActiveBanners, s.policies.Banners)
}

// DashboardStats returns the dashboard aggregate.
func (s *Source) DashboardStats(ctx context.Context) (Read[DashboardStats], error) {
	return lookup(ctx, s.dashboard, DashboardKey(), s.reader.DashboardStats, s.policies.Dashboard)
}

// ProductsCoordinator returns the coordinator of the products read model.
func (s *Source) ProductsCoordinator() *swr.Coordinator {
	return s.products
}

// Reader returns the upstream reader.
func (s *Source) Reader() Reader {
	return s.reader
}

// Policies returns the freshness windows in use.
func (s *Source) Policies() Policies {
	return s.policies
}

// InvalidateProducts drops every cached product page.
func (s *Source) InvalidateProducts() int {
	return s.products.InvalidatePattern(cache.Key{Namespace: NamespaceProducts}.Pattern())
}

// InvalidateBanners drops the cached banners.
func (s *Source) InvalidateBanners() bool {
	return s.banners.Invalidate(BannersKey())
}

// InvalidateDashboard drops the cached dashboard.
func (s *Source) InvalidateDashboard() bool {
	return s.dashboard.Invalidate(DashboardKey())
}

// InvalidatePattern drops every cached entry matching pattern and discards
// in-flight loads of all read models.
func (s *Source) InvalidatePattern(pattern string) int {
	n := 0
	for _, c := range s.coordinators() {
		n += c.InvalidatePattern(pattern)
	}
	return n
}

// Cache returns the shared cache.
func (s *Source) Cache() *cache.Cache {
	return s.cache
}

// Executors returns the per read model executors.
func (s *Source) Executors() Executors {
	return s.execs
}

// Executor returns the executor with the given name.
func (s *Source) Executor(name string) (*resilience.Executor, bool) {
	for _, e := range s.execs.All() {
		if e.Name() == name {
			return e, true
		}
	}
	return nil, false
}

// Pending returns the number of background refreshes in progress.
func (s *Source) Pending() int {
	n := 0
	for _, c := range s.coordinators() {
		n += c.Pending()
	}
	return n
}

// Close stops background refreshes and closes the executors. The cache is
// left open for its owner to close.
func (s *Source) Close(ctx context.Context) error {
	var errs []error
	for _, c := range s.coordinators() {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range s.execs.All() {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close executor %s: %w", e.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Source) coordinators() []*swr.Coordinator {
	return []*swr.Coordinator{s.products, s.banners, s.dashboard}
}

func lookup[T any](ctx context.Context, c *swr.Coordinator, key string, load func(context.Context) (T, error), p Policy) (Read[T], error) {
	res, err := c.Lookup(ctx, key, func(ctx context.Context) (any, error) {
		return load(ctx)
	}, p.TTL, p.StaleExtension)
	if err != nil {
		return Read[T]{}, err
	}
	if res.Value == nil {
		return Read[T]{Status: res.Status()}, nil
	}

	v, ok := res.Value.(T)
	if !ok {
		return Read[T]{}, fmt.Errorf("%w: %T for key %q", swr.ErrTypeMismatch, res.Value, key)
	}
	return Read[T]{Value: v, Status: res.Status()}, nil
}
