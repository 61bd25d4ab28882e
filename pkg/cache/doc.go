// Package cache implements the multi-tier caching core of filescope.
//
// It sits in front of the two expensive operations of the search service:
// executing a similarity/text query against the index, and computing a
// vector embedding for an uploaded image. A fast in-process tier
// (LocalCache) is composed with an optional Redis-backed tier (SharedTier)
// by the QueryCache coordinator; computed embeddings are de-duplicated by
// the content-addressed EmbeddingStore.
//
// Cache faults never fail a request. Every I/O failure in the shared tier
// degrades to a miss or a dropped write; the only error the package returns
// to callers is ErrInvalidInput, raised before any I/O when a cache key
// cannot be derived.
package cache
