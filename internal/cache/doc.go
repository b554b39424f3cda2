// Package cache stores produced preview artifacts keyed by content identity
// and quality spec.
//
// Bookkeeping lives in SQLite so recency survives restarts; thumbnail and
// clip payloads are inline blobs, proxy streams reference cache-owned spool
// files. Budgets are enforced on every write: least recently accessed
// entries go first, with ties broken by oldest generation time. Replacing an
// entry resets its recency.
package cache
