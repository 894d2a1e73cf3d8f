// Package sync implements the hybrid sync coordinator, the single source of
// truth for reads and writes. Every mutation lands in the local store first;
// the remote leg is best effort and falls back to the offline queue. The
// coordinator owns all scheduling: cache admission and eviction decisions are
// serialized here, the cache manager itself runs no goroutines.
package sync
