// Package tierstore implements a tiered, self-managing key-value storage
// engine for large sparse embedding tables.
//
// Each key (a sparse feature id) maps to a variable-length float32 slab.
// The engine serves lookups and inserts under heavy concurrent pressure,
// keeps hot keys in fast memory, spills cold keys to a slower and larger
// tier, and supports consistent bulk operations: checkpoint snapshotting,
// pruning by weight magnitude or staleness, and full teardown.
//
// # Tiers
//
// A Manager owns one or two tiers, each a (backend, allocator) pair.
// Tier 0 is always the fastest storage; tier 1, when configured, is the
// spill target. Backends implement the kv.Store contract: a lock-light
// sharded hash map for memory-class tiers (DRAM or a persistent-memory
// pool) and a journaled slot-file store for disk tiers.
//
// # Eviction
//
// Two-tier configurations run a background eviction task. An LRU cache
// tracks the recency of tier-0 resident keys; when the resident count
// exceeds the capacity derived from the configured byte budget, the
// coldest batch is migrated into tier 1. Keys found in tier 1 by
// GetOrCreate are promoted back into tier 0.
//
// # Consistency
//
// Per-key lookup/insert/remove are atomic at the backend level. Bulk
// operations serialize on a manager-level lock and therefore observe a
// consistent view relative to each other, but not relative to concurrent
// GetOrCreate calls, which bypass that lock.
package tierstore
