package kv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/tierstore/slab"
)

const (
	slotFileName    = "slots.dat"
	journalFileName = "journal.log"

	// record header: step(8) + freq(8) + slot mask(8)
	recordHeaderSize = 24
)

// DiskStore is the on-disk backend for tiers that must exceed memory
// limits. Records of fixed size (header + totalDims float32s) live in a
// slot file addressed by slot index; the key -> slot index is held in
// memory and rebuilt on open by replaying the operation journal. Live and
// free slots are tracked with Roaring bitmaps; removed slots are reused
// before the file grows.
//
// Lookup and Snapshot materialize heap-backed slab copies from records;
// the store retains no slab references. Materialized copies are flagged
// on the slab and destroyed by FreeSlab; resident slabs from other tiers
// pass through FreeSlab untouched.
type DiskStore[K Key] struct {
	dir string
	mat slab.Allocator // allocator for materialized slabs

	mu       sync.RWMutex
	index    map[K]uint32
	live     *roaring.Bitmap
	free     *roaring.Bitmap
	nextSlot uint32

	data    *os.File
	journal *journal

	totalDims  atomic.Int64
	recordSize int64

	closed atomic.Bool
}

// DiskOptions configures a DiskStore.
type DiskOptions struct {
	// CompressJournal enables zstd framing of the operation journal.
	CompressJournal bool
}

// NewDiskStore opens (or creates) the store under dir. Materialized slabs
// are allocated from mat. SetTotalDims must be called before the first
// record IO.
func NewDiskStore[K Key](dir string, mat slab.Allocator, optFns ...func(*DiskOptions)) (*DiskStore[K], error) {
	var opts DiskOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	data, err := os.OpenFile(filepath.Join(dir, slotFileName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	d := &DiskStore[K]{
		dir:   dir,
		mat:   mat,
		index: make(map[K]uint32),
		live:  roaring.New(),
		free:  roaring.New(),
		data:  data,
	}

	j, err := openJournal(filepath.Join(dir, journalFileName), opts.CompressJournal, d.replay)
	if err != nil {
		_ = data.Close()
		return nil, fmt.Errorf("kv: open journal: %w", err)
	}
	d.journal = j

	return d, nil
}

// WithJournalCompression toggles zstd compression of the journal.
func WithJournalCompression(enabled bool) func(*DiskOptions) {
	return func(o *DiskOptions) {
		o.CompressJournal = enabled
	}
}

// replay applies one journal entry during open.
func (d *DiskStore[K]) replay(e journalEntry) {
	key := K(e.key)
	switch e.op {
	case opInsert:
		if old, ok := d.index[key]; ok {
			d.live.Remove(old)
			d.free.Add(old)
		}
		d.index[key] = e.slot
		d.live.Add(e.slot)
		d.free.Remove(e.slot)
		if e.slot >= d.nextSlot {
			d.nextSlot = e.slot + 1
		}
	case opRemove:
		if slot, ok := d.index[key]; ok {
			delete(d.index, key)
			d.live.Remove(slot)
			d.free.Add(slot)
		}
	}
}

// SetTotalDims fixes the per-key payload width and thereby the record size.
// Must be called once before any record IO. The record size is derived
// before the width is published, so a reader that observes the width also
// observes the size.
func (d *DiskStore[K]) SetTotalDims(totalDims int64) error {
	if totalDims <= 0 {
		return fmt.Errorf("kv: invalid total dims %d", totalDims)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if cur := d.totalDims.Load(); cur != 0 {
		if cur != totalDims {
			return fmt.Errorf("kv: total dims already set to %d", cur)
		}
		return nil
	}
	d.recordSize = recordHeaderSize + totalDims*slab.ScalarSize
	d.totalDims.Store(totalDims)
	return nil
}

// Lookup materializes the record for key into a fresh slab. Callers release
// it with FreeSlab (or hand ownership to another tier).
func (d *DiskStore[K]) Lookup(key K) (*slab.Slab, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	dims := d.totalDims.Load()
	if dims == 0 {
		return nil, ErrTotalDimsUnset
	}

	return d.readVerified(key, dims)
}

// readVerified materializes the record for key, re-checking the key to
// slot mapping after the read. A concurrent remove plus insert can
// recycle the slot for another key mid-read; a stale copy is discarded
// and the read retried against the new mapping.
func (d *DiskStore[K]) readVerified(key K, dims int64) (*slab.Slab, error) {
	for {
		d.mu.RLock()
		slot, ok := d.index[key]
		d.mu.RUnlock()
		if !ok {
			return nil, ErrNotFound
		}

		s, err := d.readRecord(slot, dims)
		if err != nil {
			return nil, err
		}

		d.mu.RLock()
		cur, ok := d.index[key]
		d.mu.RUnlock()
		if ok && cur == slot {
			return s, nil
		}

		s.Destroy()
		if !ok {
			return nil, ErrNotFound
		}
	}
}

// Insert writes a record for key unless one exists.
func (d *DiskStore[K]) Insert(key K, s *slab.Slab) error {
	return d.put(key, s, false)
}

// Commit overwrites (or creates) the record for key.
func (d *DiskStore[K]) Commit(key K, s *slab.Slab) error {
	return d.put(key, s, true)
}

func (d *DiskStore[K]) put(key K, s *slab.Slab, overwrite bool) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if d.totalDims.Load() == 0 {
		return ErrTotalDimsUnset
	}

	d.mu.Lock()
	slot, exists := d.index[key]
	if exists && !overwrite {
		d.mu.Unlock()
		return ErrAlreadyExists
	}

	fresh := !exists
	if fresh {
		slot = d.allocSlotLocked()
	}

	if err := d.writeRecord(slot, s); err != nil {
		if fresh {
			d.free.Add(slot)
			d.live.Remove(slot)
		}
		d.mu.Unlock()
		return err
	}

	if fresh {
		if err := d.journal.append(journalEntry{op: opInsert, key: uint64(key), slot: slot}); err != nil {
			d.free.Add(slot)
			d.live.Remove(slot)
			d.mu.Unlock()
			return err
		}
		d.index[key] = slot
	}
	d.mu.Unlock()
	return nil
}

// allocSlotLocked reuses the lowest free slot or extends the file.
func (d *DiskStore[K]) allocSlotLocked() uint32 {
	if !d.free.IsEmpty() {
		slot := d.free.Minimum()
		d.free.Remove(slot)
		d.live.Add(slot)
		return slot
	}
	slot := d.nextSlot
	d.nextSlot++
	d.live.Add(slot)
	return slot
}

// Remove deletes key and recycles its slot. No-op if absent.
func (d *DiskStore[K]) Remove(key K) error {
	if d.closed.Load() {
		return ErrClosed
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.index[key]
	if !ok {
		return nil
	}
	if err := d.journal.append(journalEntry{op: opRemove, key: uint64(key)}); err != nil {
		return err
	}
	delete(d.index, key)
	d.live.Remove(slot)
	d.free.Add(slot)
	return nil
}

// BatchCommit applies Commit pairwise. Used when the tier replays history,
// e.g. rebuilding after restore.
func (d *DiskStore[K]) BatchCommit(keys []K, slabs []*slab.Slab) error {
	for i, key := range keys {
		if err := d.Commit(key, slabs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot materializes every record in ascending key order.
func (d *DiskStore[K]) Snapshot() ([]K, []*slab.Slab, error) {
	if d.closed.Load() {
		return nil, nil, ErrClosed
	}
	dims := d.totalDims.Load()
	if dims == 0 {
		return nil, nil, ErrTotalDimsUnset
	}

	d.mu.RLock()
	candidates := make([]K, 0, len(d.index))
	for k := range d.index {
		candidates = append(candidates, k)
	}
	d.mu.RUnlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	keys := make([]K, 0, len(candidates))
	slabs := make([]*slab.Slab, 0, len(candidates))
	for _, k := range candidates {
		s, err := d.readVerified(k, dims)
		if err != nil {
			// Removed while enumerating; not part of the snapshot.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			for _, prev := range slabs {
				prev.Destroy()
			}
			return nil, nil, err
		}
		keys = append(keys, k)
		slabs = append(slabs, s)
	}
	return keys, slabs, nil
}

// Size returns the number of resident keys.
func (d *DiskStore[K]) Size() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return int64(len(d.index))
}

// FreeSlab destroys a slab this store materialized from a record. Slabs
// owned elsewhere are left alone.
func (d *DiskStore[K]) FreeSlab(s *slab.Slab) {
	if s != nil && s.Materialized() {
		s.Destroy()
	}
}

// Close flushes the journal and closes the backing files.
func (d *DiskStore[K]) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := d.journal.close()
	if cerr := d.data.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (d *DiskStore[K]) writeRecord(slot uint32, s *slab.Slab) error {
	payload := s.Data()
	buf := make([]byte, d.recordSize)

	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.Step()))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.Freq()))
	binary.LittleEndian.PutUint64(buf[16:24], s.SlotMask())
	n := len(payload)
	if max := int(d.recordSize-recordHeaderSize) / 4; n > max {
		n = max
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[recordHeaderSize+i*4:], math.Float32bits(payload[i]))
	}

	_, err := d.data.WriteAt(buf, int64(slot)*d.recordSize)
	return err
}

func (d *DiskStore[K]) readRecord(slot uint32, dims int64) (*slab.Slab, error) {
	buf := make([]byte, d.recordSize)
	if _, err := d.data.ReadAt(buf, int64(slot)*d.recordSize); err != nil {
		return nil, fmt.Errorf("kv: read slot %d: %w", slot, err)
	}

	s, err := slab.New(d.mat, int(dims))
	if err != nil {
		return nil, err
	}

	s.MarkMaterialized(true)
	s.SetStep(int64(binary.LittleEndian.Uint64(buf[0:8])))
	s.AddFreq(int64(binary.LittleEndian.Uint64(buf[8:16])))
	s.SetSlotMask(binary.LittleEndian.Uint64(buf[16:24]))

	dst := s.Data()
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[recordHeaderSize+i*4:]))
	}
	return s, nil
}
