package tierstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tierstore/kv"
	"github.com/hupe1980/tierstore/slab"
)

func newMemoryManager(t *testing.T, optFns ...func(*Options)) *Manager[int64] {
	t.Helper()

	m := New[int64]("test", Config{Kind: KindMemory}, optFns...)
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManagerLifecycle(t *testing.T) {
	m := newMemoryManager(t)

	require.NoError(t, m.SetAllocLen(3, 2))
	require.EqualValues(t, 4, m.AllocLen(), "value length padded for alignment")
	require.EqualValues(t, 8, m.TotalDims())
	require.EqualValues(t, 4, m.GetOffset(1))

	s, err := m.GetOrCreate(1)
	require.NoError(t, err)
	require.Equal(t, 8, s.Len())

	got, err := m.Get(1)
	require.NoError(t, err)
	require.Same(t, s, got, "memory tier serves the resident reference")

	require.EqualValues(t, 1, m.Size())

	require.NoError(t, m.Remove(1))
	_, err = m.Get(1)
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close()) // idempotent
	_, err = m.GetOrCreate(1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestManagerRequiresInit(t *testing.T) {
	m := New[int64]("test", Config{Kind: KindMemory})

	require.ErrorIs(t, m.SetAllocLen(4, 1), ErrNotInitialized)
	_, err := m.GetOrCreate(1)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestManagerRequiresShape(t *testing.T) {
	m := newMemoryManager(t)

	_, err := m.GetOrCreate(1)
	require.ErrorIs(t, err, kv.ErrTotalDimsUnset)

	require.Error(t, m.SetAllocLen(0, 1))
	require.Error(t, m.SetAllocLen(4, slab.MaxSlots+1))
}

func TestManagerDoubleInit(t *testing.T) {
	m := newMemoryManager(t)
	require.Error(t, m.Init(context.Background()))
}

func TestManagerInvalidKind(t *testing.T) {
	m := New[int64]("test", Config{})
	require.ErrorIs(t, m.Init(context.Background()), ErrInvalidKind)
}

func TestSetAllocLenOnce(t *testing.T) {
	m := newMemoryManager(t, WithCacheBudgetBytes(1024))

	require.NoError(t, m.SetAllocLen(4, 1))
	first := m.Capacity()
	require.EqualValues(t, 1024/(4*4), first)

	// Later calls are ignored.
	require.NoError(t, m.SetAllocLen(64, 8))
	require.Equal(t, first, m.Capacity())
	require.EqualValues(t, 4, m.AllocLen())
}

func TestCapacityNeverZero(t *testing.T) {
	m := newMemoryManager(t, WithCacheBudgetBytes(1))

	require.NoError(t, m.SetAllocLen(64, 8))
	require.EqualValues(t, 1, m.Capacity())
}

func TestGetOrCreateRace(t *testing.T) {
	m := newMemoryManager(t)
	require.NoError(t, m.SetAllocLen(4, 1))

	const goroutines = 32

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[*slab.Slab]int)
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.GetOrCreate(7)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			out[s]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, out, 1, "all racers must observe one surviving slab")
	require.EqualValues(t, 1, m.Size())
}

func TestSetAllocLenRace(t *testing.T) {
	m := newMemoryManager(t)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			if err := m.SetAllocLen(3, 2); err != nil {
				t.Errorf("SetAllocLen: %v", err)
				return
			}
			// Once SetAllocLen returns, the shape is fully published for
			// every caller, winner or not.
			s, err := m.GetOrCreate(1)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			if s.Len() != 8 {
				t.Errorf("slab len = %d, want 8", s.Len())
			}
		}()
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 4, m.AllocLen())
	require.EqualValues(t, 8, m.TotalDims())
	require.NotZero(t, m.Capacity())
}

func TestManagerKinds(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) Config
	}{
		{
			name: "pmem",
			cfg: func(t *testing.T) Config {
				return Config{Kind: KindPMem, Path: t.TempDir()}
			},
		},
		{
			name: "pmem_fixed",
			cfg: func(t *testing.T) Config {
				return Config{Kind: KindPMemFixed, Path: t.TempDir(), CapacityBytes: 1 << 20}
			},
		},
		{
			name: "disk",
			cfg: func(t *testing.T) Config {
				return Config{Kind: KindDisk, Path: t.TempDir()}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New[int64]("test", tt.cfg(t))
			require.NoError(t, m.Init(context.Background()))
			defer m.Close()

			require.Equal(t, 1, m.Tiers())
			require.Nil(t, m.Cache(), "single tier has no recency cache")
			require.NoError(t, m.SetAllocLen(4, 1))

			s, err := m.GetOrCreate(1)
			require.NoError(t, err)
			v, err := s.InitSlot(0, 0)
			require.NoError(t, err)
			v[0] = 2.5
			require.NoError(t, m.Commit(1, s))

			got, err := m.Get(1)
			require.NoError(t, err)
			require.Equal(t, float32(2.5), got.Data()[0])
			m.FreeValuePtr(got)
		})
	}
}

func TestManagerScheduleInline(t *testing.T) {
	m := newMemoryManager(t)

	ran := false
	require.NoError(t, m.Schedule(context.Background(), func() { ran = true }))
	require.True(t, ran, "single-tier Schedule runs inline")
}

func TestBatchCommitAcrossTiers(t *testing.T) {
	m := New[int64]("test", Config{Kind: KindMemoryDisk, Path: t.TempDir()},
		WithCacheCapacity(100))
	require.NoError(t, m.Init(context.Background()))
	defer m.Close()
	require.NoError(t, m.SetAllocLen(4, 1))

	keys := make([]int64, 0, 4)
	slabs := make([]*slab.Slab, 0, 4)
	for k := int64(1); k <= 4; k++ {
		s, err := m.GetOrCreate(k)
		require.NoError(t, err)
		v, err := s.InitSlot(0, 0)
		require.NoError(t, err)
		v[0] = float32(k)
		keys = append(keys, k)
		slabs = append(slabs, s)
	}

	require.NoError(t, m.BatchCommit(keys, slabs))
	require.EqualValues(t, 4, m.TierSize(0))
	require.EqualValues(t, 4, m.TierSize(1), "batch replicated into the spill tier")

	require.Error(t, m.BatchCommit(keys, slabs[:1]))
}
