// Command storefront-cache serves the storefront read models through the
// resilient stale-while-revalidate cache.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/storefront-cache/internal/catalog"
	"github.com/Sternrassler/storefront-cache/pkg/config"
	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/pagination"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "storefront-cache",
		Short:         "Resilient read-through cache for the storefront read models",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringP("config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML config file")
	root.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")

	root.AddCommand(newServeCmd(), newWarmCmd(), newSeedCmd())
	return root
}

// loadConfig reads the config file named by --config and applies the
// command line overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = logging.LogLevel(level)
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read endpoints and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	return cmd
}

// serve runs the HTTP server until ctx ends, then shuts down in order: HTTP,
// background refreshes, executors, cache.
func serve(ctx context.Context, cfg config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.server().routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", cfg.Server.Addr).Msg("Starting storefront cache server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	a.logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	if err := a.close(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("Cache shutdown incomplete")
	}

	a.logger.Info().Msg("Server stopped")
	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	return nil
}

func newWarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Load product pages from Redis and report the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			pages, _ := cmd.Flags().GetInt("pages")
			limit, _ := cmd.Flags().GetInt("limit")
			concurrency, _ := cmd.Flags().GetInt("concurrency")

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			results, err := warmProducts(cmd.Context(), a.source, limit, pages, concurrency)
			for _, res := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "page %d\t%s\t%s\n", res.PageNumber, res.Status, res.Key)
			}
			return err
		},
	}
	cmd.Flags().Int("pages", 0, "maximum number of pages to warm (0 = all)")
	cmd.Flags().Int("limit", catalog.DefaultLimit, "products per page")
	cmd.Flags().Int("concurrency", pagination.DefaultConfig().MaxConcurrency, "pages loaded in parallel")
	return cmd
}

// warmProducts loads the product listing pages of the given size into the
// cache.
func warmProducts(ctx context.Context, src *catalog.Source, limit, maxPages, concurrency int) ([]pagination.PageResult, error) {
	policy := src.Policies().Products
	w := pagination.NewWarmer(src.ProductsCoordinator(), pagination.Config{
		MaxConcurrency: concurrency,
		TTL:            policy.TTL,
		StaleExtension: policy.StaleExtension,
	})

	key := func(page int) string {
		return catalog.ProductsKey(catalog.Query{Page: page, Limit: limit})
	}
	loader := pagination.PageLoaderFunc(func(ctx context.Context, page int) (any, int, error) {
		p, err := src.Reader().Products(ctx, catalog.Query{Page: page, Limit: limit})
		if err != nil {
			return nil, 0, err
		}
		return p, p.TotalPages, nil
	})

	return w.WarmPages(ctx, key, loader, maxPages)
}

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write demo read models to Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _ := cmd.Flags().GetInt("products")
			if n < 0 {
				return fmt.Errorf("--products must not be negative: %d", n)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			products, banners, stats := demoCatalog(n, time.Now().UTC())
			return a.store.Seed(cmd.Context(), products, banners, stats)
		},
	}
	cmd.Flags().Int("products", 250, "number of demo products")
	return cmd
}

func demoCatalog(n int, now time.Time) ([]catalog.Product, []catalog.Banner, catalog.DashboardStats) {
	categories := []string{"shoes", "hats", "jackets", "bags"}

	products := make([]catalog.Product, n)
	for i := range products {
		products[i] = catalog.Product{
			ID:         fmt.Sprintf("p%04d", i+1),
			Name:       fmt.Sprintf("Product %d", i+1),
			Category:   categories[i%len(categories)],
			PriceCents: int64(999 + (i%50)*100),
			InStock:    i%7 != 0,
			UpdatedAt:  now,
		}
	}

	banners := []catalog.Banner{
		{ID: "spring-sale", Title: "Spring sale", ImageURL: "/img/spring.png", Active: true, EndsAt: now.Add(14 * 24 * time.Hour)},
		{ID: "free-shipping", Title: "Free shipping over 50", ImageURL: "/img/shipping.png", Active: true},
		{ID: "summer-preview", Title: "Summer preview", ImageURL: "/img/summer.png", Active: true, StartsAt: now.Add(30 * 24 * time.Hour)},
	}

	stats := catalog.DashboardStats{
		Orders:       int64(n * 3),
		RevenueCents: int64(n * 4599),
		ActiveUsers:  int64(n / 2),
		UpdatedAt:    now,
	}

	return products, banners, stats
}
