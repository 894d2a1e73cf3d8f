// Package cache implements the bounded item cache: admission control against
// global and per-type quotas, LRU recency tracking, two-phase pruning, and
// the priority scoring layer that biases eviction and initial load toward
// hot data.
//
// The manager holds metadata only; item bodies live in the local store. All
// operations are synchronous and never block. Check-then-admit is not atomic
// across callers: the coordinator serializes mutations.
package cache
