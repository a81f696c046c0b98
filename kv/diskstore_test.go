package kv

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tierstore/slab"
)

func newTestDiskStore(t *testing.T, dir string, dims int64, optFns ...func(*DiskOptions)) *DiskStore[int64] {
	t.Helper()

	d, err := NewDiskStore[int64](dir, &countingAlloc{}, optFns...)
	require.NoError(t, err)
	if dims > 0 {
		require.NoError(t, d.SetTotalDims(dims))
	}
	return d
}

func fillSlab(t *testing.T, dims int, seed float32) *slab.Slab {
	t.Helper()

	s, err := slab.New(&countingAlloc{}, dims)
	require.NoError(t, err)
	for i := range s.Data() {
		s.Data()[i] = seed + float32(i)
	}
	s.SetStep(int64(seed))
	s.AddFreq(3)
	s.SetSlotMask(0b11)
	return s
}

func TestDiskStoreRequiresDims(t *testing.T) {
	d := newTestDiskStore(t, t.TempDir(), 0)
	defer d.Close()

	s := fillSlab(t, 4, 1)
	defer s.Destroy()

	require.ErrorIs(t, d.Insert(1, s), ErrTotalDimsUnset)
	_, err := d.Lookup(1)
	require.ErrorIs(t, err, ErrTotalDimsUnset)
	_, _, err = d.Snapshot()
	require.ErrorIs(t, err, ErrTotalDimsUnset)
}

func TestDiskStoreRoundTrip(t *testing.T) {
	d := newTestDiskStore(t, t.TempDir(), 4)
	defer d.Close()

	s := fillSlab(t, 4, 10)
	require.NoError(t, d.Insert(42, s))
	require.ErrorIs(t, d.Insert(42, s), ErrAlreadyExists)
	s.Destroy()

	got, err := d.Lookup(42)
	require.NoError(t, err)
	defer d.FreeSlab(got)

	require.Equal(t, []float32{10, 11, 12, 13}, got.Data())
	require.Equal(t, int64(10), got.Step())
	require.Equal(t, int64(3), got.Freq())
	require.Equal(t, uint64(0b11), got.SlotMask())

	require.EqualValues(t, 1, d.Size())
}

func TestDiskStoreCommitOverwrites(t *testing.T) {
	d := newTestDiskStore(t, t.TempDir(), 4)
	defer d.Close()

	s1 := fillSlab(t, 4, 1)
	require.NoError(t, d.Commit(7, s1))
	s1.Destroy()

	s2 := fillSlab(t, 4, 100)
	require.NoError(t, d.Commit(7, s2))
	s2.Destroy()

	got, err := d.Lookup(7)
	require.NoError(t, err)
	defer d.FreeSlab(got)
	require.Equal(t, float32(100), got.Data()[0])
	require.EqualValues(t, 1, d.Size())
}

func TestDiskStoreRemoveRecyclesSlots(t *testing.T) {
	d := newTestDiskStore(t, t.TempDir(), 4)
	defer d.Close()

	for k := int64(0); k < 3; k++ {
		s := fillSlab(t, 4, float32(k))
		require.NoError(t, d.Insert(k, s))
		s.Destroy()
	}

	require.NoError(t, d.Remove(1))
	require.NoError(t, d.Remove(1)) // idempotent
	require.EqualValues(t, 2, d.Size())

	_, err := d.Lookup(1)
	require.ErrorIs(t, err, ErrNotFound)

	// The freed slot is the lowest free one and gets reused.
	s := fillSlab(t, 4, 50)
	require.NoError(t, d.Insert(9, s))
	s.Destroy()

	d.mu.RLock()
	slot := d.index[9]
	next := d.nextSlot
	d.mu.RUnlock()
	require.EqualValues(t, 1, slot, "lowest free slot reused")
	require.EqualValues(t, 3, next, "file must not grow on reuse")
}

func TestDiskStoreReplay(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		name := "plain"
		if compressed {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()

			d := newTestDiskStore(t, dir, 4, WithJournalCompression(compressed))
			for k := int64(1); k <= 5; k++ {
				s := fillSlab(t, 4, float32(k))
				require.NoError(t, d.Insert(k, s))
				s.Destroy()
			}
			require.NoError(t, d.Remove(3))
			require.NoError(t, d.Close())

			// Reopen and replay the journal.
			d2 := newTestDiskStore(t, dir, 4, WithJournalCompression(compressed))
			defer d2.Close()

			require.EqualValues(t, 4, d2.Size())
			_, err := d2.Lookup(3)
			require.ErrorIs(t, err, ErrNotFound)

			got, err := d2.Lookup(2)
			require.NoError(t, err)
			defer d2.FreeSlab(got)
			require.Equal(t, float32(2), got.Data()[0])

			// New inserts after replay must not collide with live slots.
			s := fillSlab(t, 4, 99)
			require.NoError(t, d2.Insert(99, s))
			s.Destroy()
			got2, err := d2.Lookup(99)
			require.NoError(t, err)
			defer d2.FreeSlab(got2)
			require.Equal(t, float32(99), got2.Data()[0])
		})
	}
}

func TestDiskStoreLookupSurvivesSlotReuse(t *testing.T) {
	d := newTestDiskStore(t, t.TempDir(), 4)
	defer d.Close()

	mk := func(seed float32) *slab.Slab {
		s, _ := slab.New(&countingAlloc{}, 4)
		for i := range s.Data() {
			s.Data()[i] = seed
		}
		return s
	}

	// Stable keys carry their own key as payload.
	for k := int64(1); k <= 4; k++ {
		s := mk(float32(k))
		require.NoError(t, d.Insert(k, s))
		s.Destroy()
	}

	stop := make(chan struct{})
	var churn sync.WaitGroup
	churn.Add(1)

	// Remove a stable key and immediately insert a fresh one so the
	// freed slot is recycled with a foreign payload, then restore it.
	go func() {
		defer churn.Done()
		next := int64(100)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for k := int64(1); k <= 4; k++ {
				_ = d.Remove(k)
				tmp := mk(float32(next))
				_ = d.Insert(next, tmp)
				tmp.Destroy()

				back := mk(float32(k))
				_ = d.Insert(k, back)
				back.Destroy()

				_ = d.Remove(next)
				next++
			}
		}
	}()

	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for n := 0; n < 2000; n++ {
				k := int64(n%4 + 1)
				s, err := d.Lookup(k)
				if errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					t.Errorf("lookup %d: %v", k, err)
					return
				}
				if got := s.Data()[0]; got != float32(k) {
					t.Errorf("lookup %d returned foreign payload %v", k, got)
				}
				d.FreeSlab(s)
			}
		}()
	}

	readers.Wait()
	close(stop)
	churn.Wait()
}

func TestDiskStoreSnapshotSorted(t *testing.T) {
	d := newTestDiskStore(t, t.TempDir(), 4)
	defer d.Close()

	for _, k := range []int64{5, 1, 9, 3} {
		s := fillSlab(t, 4, float32(k))
		require.NoError(t, d.Insert(k, s))
		s.Destroy()
	}

	keys, slabs, err := d.Snapshot()
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3, 5, 9}, keys)
	require.Len(t, slabs, 4)
	for i, s := range slabs {
		require.Equal(t, float32(keys[i]), s.Data()[0])
		d.FreeSlab(s)
	}
}

func TestDiskStoreClosed(t *testing.T) {
	d := newTestDiskStore(t, t.TempDir(), 4)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close()) // idempotent

	_, err := d.Lookup(1)
	require.ErrorIs(t, err, ErrClosed)

	s := fillSlab(t, 4, 1)
	defer s.Destroy()
	require.True(t, errors.Is(d.Insert(1, s), ErrClosed))
	require.ErrorIs(t, d.Remove(1), ErrClosed)
}
