// Package catalog holds the storefront read models and serves them through
// the resilient cache.
//
// Store reads JSON documents from Redis:
//
//	catalog:products         sorted set of product IDs in listing order
//	catalog:product:<id>     product document
//	catalog:banners          hash of banner ID to banner document
//	catalog:dashboard        dashboard aggregate document
//
// A missing key or a malformed document is a client error: the executor does
// not retry it and the breaker does not count it. Connection errors stay
// transient.
//
// Source wraps a Reader (normally the Store) with one executor per read model
// and a shared cache:
//
//	src := catalog.NewSource(store, c, catalog.Executors{...}, swr.WithMonitor(mon))
//	read, err := src.Products(ctx, catalog.Query{Page: 1, Limit: 20})
//	// read.Status is "fresh", "stale" or "miss"
package catalog
