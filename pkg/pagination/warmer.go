package pagination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/swr"
)

// ErrNoPages is returned when the first page reports zero pages.
var ErrNoPages = errors.New("pagination: upstream reported no pages")

// Config holds warmer configuration.
type Config struct {
	// MaxConcurrency is the maximum number of pages loaded in parallel.
	MaxConcurrency int

	// Timeout bounds each page load, including its retries.
	Timeout time.Duration

	// TTL and StaleExtension are used for every cached page.
	TTL            time.Duration
	StaleExtension time.Duration
}

// DefaultConfig returns the default warmer configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
		TTL:            60 * time.Second,
		StaleExtension: 120 * time.Second,
	}
}

// PageLoader loads a single page and reports the total page count.
type PageLoader interface {
	LoadPage(ctx context.Context, page int) (data any, totalPages int, err error)
}

// PageLoaderFunc adapts a function to PageLoader.
type PageLoaderFunc func(ctx context.Context, page int) (any, int, error)

// LoadPage implements PageLoader.
func (f PageLoaderFunc) LoadPage(ctx context.Context, page int) (any, int, error) {
	return f(ctx, page)
}

// KeyFunc returns the cache key of a page.
type KeyFunc func(page int) string

// PageResult is the outcome of warming a single page.
type PageResult struct {
	PageNumber int    `json:"page"`
	Key        string `json:"key"`
	Status     string `json:"status"` // "fresh", "stale", "miss" or "error"
	Error      error  `json:"-"`
}

// Warmer loads pages of a paginated read model into the cache through the
// SWR coordinator, so warming shares dedup and breaker state with live reads.
type Warmer struct {
	coord  *swr.Coordinator
	config Config
	logger zerolog.Logger
}

// NewWarmer creates a warmer.
func NewWarmer(coord *swr.Coordinator, config Config) *Warmer {
	d := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = d.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	if config.TTL <= 0 {
		config.TTL = d.TTL
	}
	if config.StaleExtension < 0 {
		config.StaleExtension = 0
	}

	return &Warmer{
		coord:  coord,
		config: config,
		logger: logging.NewLogger("warmer"),
	}
}

// WarmPages reloads page 1 to learn the page count, then loads pages 2..N in
// parallel. maxPages caps N; zero warms every page. Results are ordered by
// page. Failed pages do not stop the others; the returned error then reports
// the partial outcome.
func (w *Warmer) WarmPages(ctx context.Context, key KeyFunc, loader PageLoader, maxPages int) ([]PageResult, error) {
	start := time.Now()

	var totalPages int
	firstCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	_, err := w.coord.Refresh(firstCtx, key(1), func(ctx context.Context) (any, error) {
		data, total, err := loader.LoadPage(ctx, 1)
		if err == nil {
			totalPages = total
		}
		return data, err
	}, w.config.TTL, w.config.StaleExtension)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to load first page: %w", err)
	}
	if totalPages <= 0 {
		return nil, ErrNoPages
	}
	if maxPages > 0 && totalPages > maxPages {
		totalPages = maxPages
	}

	w.logger.Info().
		Str("key", key(1)).
		Int("total_pages", totalPages).
		Msg("Starting page warm-up")

	var (
		mu      sync.Mutex
		results = []PageResult{{PageNumber: 1, Key: key(1), Status: "miss"}}
		failed  []error
	)

	g := new(errgroup.Group)
	g.SetLimit(w.config.MaxConcurrency)

	for page := 2; page <= totalPages; page++ {
		if ctx.Err() != nil {
			break
		}
		page := page
		g.Go(func() error {
			res := w.warmPage(ctx, key, loader, page)

			mu.Lock()
			results = append(results, res)
			if res.Error != nil {
				failed = append(failed, fmt.Errorf("page %d: %w", page, res.Error))
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].PageNumber < results[j].PageNumber })

	warmed := len(results) - len(failed)
	if len(failed) > 0 || ctx.Err() != nil {
		if ctx.Err() != nil {
			failed = append(failed, ctx.Err())
		}
		w.logger.Warn().
			Int("warmed_pages", warmed).
			Int("total_pages", totalPages).
			Msg("Warm-up incomplete, returning partial results")
		return results, fmt.Errorf("partial warm-up (%d/%d pages): %w", warmed, totalPages, errors.Join(failed...))
	}

	w.logger.Info().
		Str("key", key(1)).
		Int("pages", warmed).
		Dur("duration", time.Since(start)).
		Msg("Warm-up complete")

	return results, nil
}

func (w *Warmer) warmPage(ctx context.Context, key KeyFunc, loader PageLoader, page int) PageResult {
	k := key(page)

	pageCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	res, err := w.coord.Lookup(pageCtx, k, func(ctx context.Context) (any, error) {
		data, _, err := loader.LoadPage(ctx, page)
		return data, err
	}, w.config.TTL, w.config.StaleExtension)
	if err != nil {
		w.logger.Warn().
			Err(err).
			Int("page", page).
			Msg("Page warm-up failed")
		return PageResult{PageNumber: page, Key: k, Status: "error", Error: err}
	}

	return PageResult{PageNumber: page, Key: k, Status: res.Status()}
}
