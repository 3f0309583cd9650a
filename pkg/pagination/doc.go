// Package pagination pre-loads paginated read models (product listings) into
// the storefront cache.
//
// The upstream reports the total page count with every page, so the warmer
// loads page 1 first and then fans out over the remaining pages with bounded
// concurrency (errgroup with SetLimit). Every page goes through the SWR
// coordinator, so a warm-up shares in-flight deduplication and the circuit
// breaker with live traffic.
//
// Example usage:
//
//	warmer := pagination.NewWarmer(coord, pagination.DefaultConfig())
//	results, err := warmer.WarmPages(ctx,
//	    func(page int) string { return catalog.ProductsKey(catalog.Query{Page: page, Limit: 20}) },
//	    pagination.PageLoaderFunc(loadProductsPage),
//	    10,
//	)
//
// The warmer:
//   - Reloads page 1 to determine the total page count
//   - Loads pages 2..N with at most MaxConcurrency in flight
//   - Skips pages that are still fresh
//   - Returns per-page results, and a partial-result error when some pages failed
package pagination
