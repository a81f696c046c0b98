package kv

import (
	"encoding/binary"
	"hash/maphash"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/tierstore/slab"
)

const numShards = 64

// HashMap is the memory-class backend: 64-way sharded map with per-shard
// locking. It stores slab references; the slabs themselves live wherever
// the tier's allocator placed them (DRAM or a persistent-memory pool).
type HashMap[K Key] struct {
	shards [numShards]hashShard[K]
	seed   maphash.Seed
	size   atomic.Int64
}

type hashShard[K Key] struct {
	mu sync.RWMutex
	m  map[K]*slab.Slab
}

// NewHashMap creates an empty sharded map backend.
func NewHashMap[K Key]() *HashMap[K] {
	h := &HashMap[K]{seed: maphash.MakeSeed()}
	for i := range h.shards {
		h.shards[i].m = make(map[K]*slab.Slab)
	}
	return h
}

func (h *HashMap[K]) shard(key K) *hashShard[K] {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))

	var mh maphash.Hash
	mh.SetSeed(h.seed)
	_, _ = mh.Write(buf[:])
	return &h.shards[mh.Sum64()%numShards]
}

// Lookup returns the slab for key or ErrNotFound.
func (h *HashMap[K]) Lookup(key K) (*slab.Slab, error) {
	sh := h.shard(key)
	sh.mu.RLock()
	s, ok := sh.m[key]
	sh.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Insert stores s under key unless the key is already present.
func (h *HashMap[K]) Insert(key K, s *slab.Slab) error {
	sh := h.shard(key)
	sh.mu.Lock()
	if _, ok := sh.m[key]; ok {
		sh.mu.Unlock()
		return ErrAlreadyExists
	}
	sh.m[key] = s
	sh.mu.Unlock()

	h.size.Add(1)
	return nil
}

// Remove deletes key. No-op if absent.
func (h *HashMap[K]) Remove(key K) error {
	sh := h.shard(key)
	sh.mu.Lock()
	_, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	sh.mu.Unlock()

	if ok {
		h.size.Add(-1)
	}
	return nil
}

// Commit overwrites (or creates) the entry for key.
func (h *HashMap[K]) Commit(key K, s *slab.Slab) error {
	sh := h.shard(key)
	sh.mu.Lock()
	_, existed := sh.m[key]
	sh.m[key] = s
	sh.mu.Unlock()

	if !existed {
		h.size.Add(1)
	}
	return nil
}

// BatchCommit applies Commit pairwise.
func (h *HashMap[K]) BatchCommit(keys []K, slabs []*slab.Slab) error {
	for i, key := range keys {
		if err := h.Commit(key, slabs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot enumerates every resident key and slab. Each shard is locked in
// turn, so the result is per-shard consistent.
func (h *HashMap[K]) Snapshot() ([]K, []*slab.Slab, error) {
	n := h.size.Load()
	keys := make([]K, 0, n)
	slabs := make([]*slab.Slab, 0, n)

	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.RLock()
		for k, s := range sh.m {
			keys = append(keys, k)
			slabs = append(slabs, s)
		}
		sh.mu.RUnlock()
	}
	return keys, slabs, nil
}

// Size returns the number of resident keys.
func (h *HashMap[K]) Size() int64 {
	return h.size.Load()
}

// SetTotalDims is a no-op; the map stores slab references, not records.
func (h *HashMap[K]) SetTotalDims(int64) error {
	return nil
}

// FreeSlab is a no-op; the map retains the caller's slab reference, so
// there is nothing store-materialized to release.
func (h *HashMap[K]) FreeSlab(*slab.Slab) {}

// Close releases the map structures. Slab storage is released by the
// engine's destroy path.
func (h *HashMap[K]) Close() error {
	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.Lock()
		sh.m = nil
		sh.mu.Unlock()
	}
	return nil
}
