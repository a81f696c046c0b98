// Package kv defines the storage contract implemented by every tier backend
// and provides the two backend families: a lock-light sharded hash map for
// memory-class tiers and a disk-backed slot-file store for tiers that must
// exceed memory limits.
package kv

import (
	"errors"

	"github.com/hupe1980/tierstore/slab"
)

var (
	// ErrNotFound is returned by Lookup when a key is absent. Expected and
	// non-fatal; the tier orchestration handles it inline.
	ErrNotFound = errors.New("kv: not found")

	// ErrAlreadyExists is returned by Insert when a concurrent insert for
	// the same key won the race.
	ErrAlreadyExists = errors.New("kv: already exists")

	// ErrTotalDimsUnset is returned by the disk backend when record IO is
	// attempted before SetTotalDims.
	ErrTotalDimsUnset = errors.New("kv: total dims unset")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("kv: store closed")
)

// Key is the set of key types a backend supports. Keys are encoded as 8
// little-endian bytes by the disk backend.
type Key interface {
	~int32 | ~int64 | ~uint32 | ~uint64
}

// Store is the per-tier storage primitive. All per-key operations must be
// atomic for a given key and safe for concurrent use; no ordering is
// guaranteed across different keys.
type Store[K Key] interface {
	// Lookup returns the slab for key or ErrNotFound.
	Lookup(key K) (*slab.Slab, error)

	// Insert stores a slab under key. At most one Insert for a given key
	// succeeds when raced; losers receive ErrAlreadyExists.
	Insert(key K, s *slab.Slab) error

	// Remove deletes key. Removing an absent key is a no-op.
	Remove(key K) error

	// Commit overwrites (or creates) the record for key. Used by
	// tier-to-tier migration and checkpoint restore.
	Commit(key K, s *slab.Slab) error

	// BatchCommit applies Commit for every (keys[i], slabs[i]) pair.
	BatchCommit(keys []K, slabs []*slab.Slab) error

	// Snapshot returns a full consistent enumeration of the store.
	Snapshot() ([]K, []*slab.Slab, error)

	// Size returns the number of resident keys.
	Size() int64

	// SetTotalDims informs the store of the fixed per-key payload width.
	// Only the disk backend needs it (record sizing); others ignore it.
	SetTotalDims(totalDims int64) error

	// FreeSlab releases a slab the store materialized for the caller.
	// No-op for stores that retain the caller's slab reference.
	FreeSlab(s *slab.Slab)

	// Close releases the store's resources. Slab storage is owned by the
	// engine's destroy path, not by Close.
	Close() error
}
