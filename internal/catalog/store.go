package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/resilience"
)

// Redis keys of the catalog read models.
const (
	RedisKeyProductIndex  = "catalog:products"
	RedisKeyProductPrefix = "catalog:product:"
	RedisKeyBanners       = "catalog:banners"
	RedisKeyDashboard     = "catalog:dashboard"
)

// Common errors returned by the store.
var (
	ErrNotFound = errors.New("catalog: not found")
	ErrDecode   = errors.New("catalog: malformed document")
)

// Store reads the storefront read models from Redis.
type Store struct {
	redis  *redis.Client
	now    func() time.Time
	logger zerolog.Logger
}

// NewStore creates a store over redisClient.
func NewStore(redisClient *redis.Client) *Store {
	return &Store{
		redis:  redisClient,
		now:    time.Now,
		logger: logging.NewLogger("catalog"),
	}
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Products returns one page of products matching q, in index order.
func (s *Store) Products(ctx context.Context, q Query) (ProductPage, error) {
	q = q.Normalize()

	ids, err := s.redis.ZRange(ctx, RedisKeyProductIndex, 0, -1).Result()
	if err != nil {
		return ProductPage{}, classify("read product index", err)
	}

	page := ProductPage{Items: []Product{}, Page: q.Page, Limit: q.Limit}
	if len(ids) == 0 {
		return page, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = RedisKeyProductPrefix + id
	}

	docs, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return ProductPage{}, classify("read products", err)
	}

	matched := make([]Product, 0, len(docs))
	for i, doc := range docs {
		raw, ok := doc.(string)
		if !ok {
			// Indexed but deleted; skip it.
			s.logger.Debug().Str("id", ids[i]).Msg("Product missing from index target")
			continue
		}
		var p Product
		if err := decode(raw, &p); err != nil {
			return ProductPage{}, fmt.Errorf("product %s: %w", ids[i], err)
		}
		if q.matches(p) {
			matched = append(matched, p)
		}
	}

	page.Total = len(matched)
	page.TotalPages = (page.Total + q.Limit - 1) / q.Limit

	start := (q.Page - 1) * q.Limit
	if start < len(matched) {
		end := min(start+q.Limit, len(matched))
		page.Items = matched[start:end]
	}

	return page, nil
}

// ActiveBanners returns the banners that are live now, ordered by ID.
func (s *Store) ActiveBanners(ctx context.Context) ([]Banner, error) {
	docs, err := s.redis.HGetAll(ctx, RedisKeyBanners).Result()
	if err != nil {
		return nil, classify("read banners", err)
	}

	now := s.now()
	banners := make([]Banner, 0, len(docs))
	for id, raw := range docs {
		var b Banner
		if err := decode(raw, &b); err != nil {
			return nil, fmt.Errorf("banner %s: %w", id, err)
		}
		if b.LiveAt(now) {
			banners = append(banners, b)
		}
	}

	sort.Slice(banners, func(i, j int) bool { return banners[i].ID < banners[j].ID })
	return banners, nil
}

// DashboardStats returns the dashboard aggregate.
func (s *Store) DashboardStats(ctx context.Context) (DashboardStats, error) {
	raw, err := s.redis.Get(ctx, RedisKeyDashboard).Result()
	if err != nil {
		return DashboardStats{}, classify("read dashboard", err)
	}

	var stats DashboardStats
	if err := decode(raw, &stats); err != nil {
		return DashboardStats{}, err
	}
	return stats, nil
}

// Seed replaces the catalog with the given read models in one transaction.
func (s *Store) Seed(ctx context.Context, products []Product, banners []Banner, stats DashboardStats) error {
	oldIDs, err := s.redis.ZRange(ctx, RedisKeyProductIndex, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read product index: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		stale := []string{RedisKeyProductIndex, RedisKeyBanners}
		for _, id := range oldIDs {
			stale = append(stale, RedisKeyProductPrefix+id)
		}
		pipe.Del(ctx, stale...)

		for i, p := range products {
			doc, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode product %s: %w", p.ID, err)
			}
			pipe.Set(ctx, RedisKeyProductPrefix+p.ID, doc, 0)
			pipe.ZAdd(ctx, RedisKeyProductIndex, redis.Z{Score: float64(i), Member: p.ID})
		}

		for _, b := range banners {
			doc, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("encode banner %s: %w", b.ID, err)
			}
			pipe.HSet(ctx, RedisKeyBanners, b.ID, doc)
		}

		doc, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("encode dashboard: %w", err)
		}
		pipe.Set(ctx, RedisKeyDashboard, doc, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}

	s.logger.Info().
		Int("products", len(products)).
		Int("banners", len(banners)).
		Msg("Catalog seeded")

	return nil
}

// PutProduct inserts or replaces a product, appending new products to the
// index.
func (s *Store) PutProduct(ctx context.Context, p Product) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode product %s: %w", p.ID, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, RedisKeyProductPrefix+p.ID, doc, 0)
		pipe.ZAddNX(ctx, RedisKeyProductIndex, redis.Z{Score: float64(s.now().UnixNano()), Member: p.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("put product %s: %w", p.ID, err)
	}
	return nil
}

// classify wraps a Redis error. A missing key is a client error so the
// executor neither retries it nor counts it against the breaker; everything
// else stays transient.
func classify(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return resilience.ClientError(fmt.Errorf("%s: %w", op, ErrNotFound))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func decode(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return resilience.ClientError(fmt.Errorf("%w: %v", ErrDecode, err))
	}
	return nil
}
