// Package slab implements the per-key value storage unit of the engine.
//
// A Slab owns one contiguous float32 vector sized allocLen × slotCount,
// obtained from exactly one Allocator. Multi-slot embedding tables reuse a
// single key across several logical columns; each column occupies a slot at
// offset slotIndex × allocLen within the slab. Slots read as nil until they
// are initialized, which is how checkpoint filtering detects unpopulated
// primary columns.
//
// Slabs additionally carry side-channel metadata mutated in place by policy
// collaborators during scans: an update step (-1 while unset) and an access
// frequency counter. Both are atomics so scans and the serving path can
// touch them concurrently.
package slab

import (
	"errors"
	"sync/atomic"
)

const (
	// Alignment is the required byte alignment of a slab's first scalar.
	// Vectorized consumers assume 16-byte aligned slab starts.
	Alignment = 16

	// ScalarSize is the byte width of one slab scalar (float32).
	ScalarSize = 4

	// UnsetStep marks a slab whose update step has never been stamped.
	UnsetStep = int64(-1)

	// MaxSlots bounds the number of logical columns per slab, imposed by
	// the slot initialization bitmap.
	MaxSlots = 64
)

// ErrSlotOutOfRange is returned when a slot index exceeds MaxSlots.
var ErrSlotOutOfRange = errors.New("slab: slot index out of range")

// Allocator supplies typed, 16-byte aligned float32 storage. Implementations
// back it with heap memory, a persistent-memory pool, or any other typed
// memory source. AllocFloat32/Free must be safe for concurrent use.
type Allocator interface {
	// AllocFloat32 returns a zeroed slice of n float32s whose first element
	// is 16-byte aligned.
	AllocFloat32(n int) ([]float32, error)
	// Free releases a slice previously returned by AllocFloat32.
	Free(p []float32)
	// Close releases the allocator's backing pool.
	Close() error
}

// AlignLen pads valueLen up so the byte length of every slot is a multiple
// of Alignment. A slot of 3 float32s becomes 4; 4 stays 4.
func AlignLen(valueLen int) int {
	rem := valueLen * ScalarSize % Alignment
	if rem == 0 {
		return valueLen
	}
	return valueLen + (Alignment-rem)/ScalarSize
}

// Slab is the per-key storage unit. The zero value is not usable; create
// slabs with New.
type Slab struct {
	data  []float32
	alloc Allocator

	step         atomic.Int64
	freq         atomic.Int64
	slotMask     atomic.Uint64
	materialized atomic.Bool
	destroyed    atomic.Bool
}

// New allocates a slab owning size float32s from a.
func New(a Allocator, size int) (*Slab, error) {
	data, err := a.AllocFloat32(size)
	if err != nil {
		return nil, err
	}

	s := &Slab{data: data, alloc: a}
	s.step.Store(UnsetStep)
	return s, nil
}

// Destroy releases the slab's storage through the allocator that created it.
// Idempotent; the slab must not be read afterwards.
func (s *Slab) Destroy() {
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}
	if s.alloc != nil {
		s.alloc.Free(s.data)
	}
	s.data = nil
}

// Len returns the number of scalars the slab owns.
func (s *Slab) Len() int {
	return len(s.data)
}

// Data exposes the full backing vector. Used by backends that serialize
// slabs; regular consumers go through Slot.
func (s *Slab) Data() []float32 {
	return s.data
}

// Slot returns the vector starting at offset if slot index i has been
// initialized, or nil otherwise.
func (s *Slab) Slot(i int, offset int64) []float32 {
	if i < 0 || i >= MaxSlots {
		return nil
	}
	if s.slotMask.Load()&(1<<uint(i)) == 0 {
		return nil
	}
	return s.data[offset:]
}

// InitSlot marks slot i as populated and returns its vector. The caller
// fills the returned slice.
func (s *Slab) InitSlot(i int, offset int64) ([]float32, error) {
	if i < 0 || i >= MaxSlots {
		return nil, ErrSlotOutOfRange
	}

	for {
		old := s.slotMask.Load()
		if s.slotMask.CompareAndSwap(old, old|1<<uint(i)) {
			break
		}
	}
	return s.data[offset:], nil
}

// SlotMask returns the slot initialization bitmap. Backends persist it
// alongside the payload.
func (s *Slab) SlotMask() uint64 {
	return s.slotMask.Load()
}

// SetSlotMask restores the slot bitmap. Used when a backend materializes a
// slab from persisted records.
func (s *Slab) SetSlotMask(mask uint64) {
	s.slotMask.Store(mask)
}

// MarkMaterialized flags the slab as a store-built copy of a persisted
// record, as opposed to the resident reference. Record-backed stores free
// only materialized slabs.
func (s *Slab) MarkMaterialized(v bool) {
	s.materialized.Store(v)
}

// Materialized reports whether the slab is a store-built record copy.
func (s *Slab) Materialized() bool {
	return s.materialized.Load()
}

// Step returns the last stamped update step, or UnsetStep.
func (s *Slab) Step() int64 {
	return s.step.Load()
}

// SetStep stamps the update step.
func (s *Slab) SetStep(step int64) {
	s.step.Store(step)
}

// Freq returns the access frequency counter.
func (s *Slab) Freq() int64 {
	return s.freq.Load()
}

// AddFreq increments the access frequency counter by delta.
func (s *Slab) AddFreq(delta int64) {
	s.freq.Add(delta)
}
