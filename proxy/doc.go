// Package proxy is the caching core of the recommendation proxy.
//
// # Reading Guide
//
//   - fingerprint.go: how a (model, context, item) triple becomes a cache key
//   - resolver.go: cache lookups, miss coalescing and backend calls
//   - handler.go: request validation and the failure policy
//
// # Architecture
//
// The score cache itself lives in proxy/lfu and knows nothing about requests.
// Scoring backends implement the Scorer interface; the implementations used by
// the service live in proxy/backend. Transport (gRPC, HTTP) lives in api/.
//
// Data flow for one request:
//
//	Handler.Handle -> Resolver.Resolve -> Fingerprinter.Normalize (once)
//	  -> per item: NormalizedContext.Fingerprint -> lfu.Cache.Get
//	  -> on miss: Scorer.Score -> lfu.Cache.Put
//
// # Caching assumption
//
// Caching is only valid if the backend's score for a given model, context and
// item is stable over the lifetime of a cache entry. Contexts that differ only
// in field order share entries; high-cardinality keys (CardinalityRules)
// deliberately map many raw values onto one entry.
package proxy
