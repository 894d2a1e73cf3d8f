// Package types defines the shared domain model for syncache: aggregated
// items, cache entry metadata, priority scores, sync queue entries, conflict
// records, and the contracts the engine expects from its local store and
// remote authority.
package types
