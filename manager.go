package tierstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tierstore/cache"
	"github.com/hupe1980/tierstore/internal/arena"
	"github.com/hupe1980/tierstore/internal/mem"
	"github.com/hupe1980/tierstore/internal/resource"
	"github.com/hupe1980/tierstore/kv"
	"github.com/hupe1980/tierstore/slab"
)

// tier pairs a backend with the allocator its slabs come from. retains
// records whether the backend keeps the caller's slab reference (memory
// backends) or consumes a copy (disk backend).
type tier[K kv.Key] struct {
	store   kv.Store[K]
	alloc   slab.Allocator
	retains bool
}

// Manager orchestrates up to two storage tiers for one embedding table.
// Tier 0 is the fast tier; tier 1, when present, absorbs cold keys moved
// by the background eviction task.
//
// Construct with New, then Init, then SetAllocLen before the first key
// operation.
type Manager[K kv.Key] struct {
	name string
	cfg  Config
	opts Options

	logger  *Logger
	metrics MetricsObserver
	rc      *resource.Controller

	tiers []tier[K]
	cache *cache.LRU[K]
	pool  *workerPool

	// mu serializes bulk maintenance passes (snapshots, shrink) against
	// each other. Per-key serving traffic does not take it.
	mu sync.Mutex

	allocLen  atomic.Int64
	totalDims atomic.Int64
	capacity  atomic.Int64
	dimsSet   atomic.Bool

	// capReady is closed once SetAllocLen has derived the tier-0
	// capacity; the eviction task blocks on it before its first cycle.
	capReady chan struct{}

	evictCancel context.CancelFunc
	evictDone   chan struct{}

	initialized atomic.Bool
	closed      atomic.Bool
}

// New creates an uninitialized manager for the named table.
func New[K kv.Key](name string, cfg Config, optFns ...func(*Options)) *Manager[K] {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = NoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = &NoopMetricsObserver{}
	}
	if opts.CacheBudgetBytes <= 0 {
		opts.CacheBudgetBytes = DefaultCacheBudgetBytes
	}
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = DefaultEvictionInterval
	}
	if opts.EvictionBatchSize <= 0 {
		opts.EvictionBatchSize = DefaultEvictionBatchSize
	}

	return &Manager[K]{
		name:     name,
		cfg:      cfg,
		opts:     opts,
		logger:   opts.Logger.WithTable(name),
		metrics:  opts.Metrics,
		capReady: make(chan struct{}),
	}
}

// Init builds the tier set for the configured kind and, for two-tier
// layouts, starts the background eviction task. Calling Init twice is an
// error.
func (m *Manager[K]) Init(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.initialized.CompareAndSwap(false, true) {
		return fmt.Errorf("tierstore: table %s already initialized", m.name)
	}

	m.rc = resource.NewController(resource.Config{
		MemoryLimitBytes:   m.opts.MemoryLimitBytes,
		IOLimitBytesPerSec: m.opts.IOLimitBytesPerSec,
	})

	if err := m.buildTiers(); err != nil {
		m.initialized.Store(false)
		return err
	}
	if len(m.tiers) > 2 {
		m.teardownTiers()
		m.initialized.Store(false)
		return ErrTooManyTiers
	}

	if len(m.tiers) > 1 {
		m.cache = cache.NewLRU[K]()
		m.pool = newWorkerPool(schedulerWorkers)

		evictCtx, cancel := context.WithCancel(context.Background())
		m.evictCancel = cancel
		m.evictDone = make(chan struct{})
		go m.evictionLoop(evictCtx)
	}

	m.logger.LogStartup(ctx, m.cfg.Kind, len(m.tiers), m.cfg.Path)
	return nil
}

func (m *Manager[K]) buildTiers() error {
	heap := mem.NewAllocator(m.rc)

	switch m.cfg.Kind {
	case KindMemory:
		m.tiers = append(m.tiers, tier[K]{store: kv.NewHashMap[K](), alloc: heap, retains: true})

	case KindPMem:
		pool, err := arena.NewPool(m.cfg.Path, m.opts.ArenaChunkSize, m.rc)
		if err != nil {
			return err
		}
		m.tiers = append(m.tiers, tier[K]{store: kv.NewHashMap[K](), alloc: pool, retains: true})

	case KindPMemFixed:
		size := m.cfg.CapacityBytes
		if size <= 0 {
			size = DefaultFixedPoolBytes
		}
		pool, err := arena.NewFixed(filepath.Join(m.cfg.Path, "pool.mem"), size, m.rc)
		if err != nil {
			return err
		}
		m.tiers = append(m.tiers, tier[K]{store: kv.NewHashMap[K](), alloc: pool, retains: true})

	case KindDisk:
		ds, err := kv.NewDiskStore[K](m.cfg.Path, heap, kv.WithJournalCompression(m.opts.CompressJournal))
		if err != nil {
			return err
		}
		m.tiers = append(m.tiers, tier[K]{store: ds, alloc: heap})

	case KindMemoryPMem:
		pool, err := arena.NewPool(m.cfg.Path, m.opts.ArenaChunkSize, m.rc)
		if err != nil {
			return err
		}
		m.tiers = append(m.tiers,
			tier[K]{store: kv.NewHashMap[K](), alloc: heap, retains: true},
			tier[K]{store: kv.NewHashMap[K](), alloc: pool, retains: true},
		)

	case KindMemoryDisk:
		ds, err := kv.NewDiskStore[K](m.cfg.Path, heap, kv.WithJournalCompression(m.opts.CompressJournal))
		if err != nil {
			return err
		}
		m.tiers = append(m.tiers,
			tier[K]{store: kv.NewHashMap[K](), alloc: heap, retains: true},
			tier[K]{store: ds, alloc: heap},
		)

	default:
		return fmt.Errorf("%w: %s", ErrInvalidKind, m.cfg.Kind)
	}
	return nil
}

func (m *Manager[K]) teardownTiers() {
	for _, t := range m.tiers {
		_ = t.store.Close()
		_ = t.alloc.Close()
	}
	m.tiers = nil
}

// SetAllocLen fixes the per-slot vector length and the slot count. The
// value length is padded so every slot starts 16-byte aligned, the total
// slab width is propagated to the backends, and the tier-0 capacity is
// derived from the cache byte budget. Only the first call takes effect;
// racing callers return once the shape is fully published.
func (m *Manager[K]) SetAllocLen(valueLen, slotCount int) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	if valueLen <= 0 || slotCount <= 0 || slotCount > slab.MaxSlots {
		return fmt.Errorf("tierstore: invalid shape %d x %d", valueLen, slotCount)
	}
	if !m.dimsSet.CompareAndSwap(false, true) {
		// Another caller is deriving the shape; wait for it so no caller
		// proceeds against half-published state.
		<-m.capReady
		return nil
	}

	aligned := int64(slab.AlignLen(valueLen))
	totalDims := aligned * int64(slotCount)
	m.allocLen.Store(aligned)
	m.totalDims.Store(totalDims)

	for _, t := range m.tiers {
		if err := t.store.SetTotalDims(totalDims); err != nil {
			return err
		}
	}

	capacity := m.opts.CacheCapacity
	if capacity <= 0 {
		capacity = m.opts.CacheBudgetBytes / (totalDims * slab.ScalarSize)
	}
	if capacity < 1 {
		capacity = 1
	}
	m.capacity.Store(capacity)

	m.logger.LogCapacity(context.Background(), aligned, totalDims, capacity)
	close(m.capReady)
	return nil
}

// AllocLen returns the aligned per-slot vector length.
func (m *Manager[K]) AllocLen() int64 {
	return m.allocLen.Load()
}

// TotalDims returns the full slab width in scalars.
func (m *Manager[K]) TotalDims() int64 {
	return m.totalDims.Load()
}

// GetOffset returns the scalar offset of a slot within a slab.
func (m *Manager[K]) GetOffset(slotIndex int) int64 {
	return m.allocLen.Load() * int64(slotIndex)
}

// Capacity returns the tier-0 resident key budget, or 0 before
// SetAllocLen.
func (m *Manager[K]) Capacity() int64 {
	return m.capacity.Load()
}

// ready gates key operations on the shape being fully published. It
// checks the capacity-ready channel rather than the claim flag: the flag
// flips at the start of SetAllocLen, the channel closes at its end.
func (m *Manager[K]) ready() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	select {
	case <-m.capReady:
		return nil
	default:
		return kv.ErrTotalDimsUnset
	}
}

func (m *Manager[K]) touch(keys ...K) {
	if m.cache != nil {
		m.cache.Touch(keys...)
	}
}

// Get returns the slab for key without creating one. Slabs served from a
// disk tier are fresh materializations the caller releases with
// FreeValuePtr; memory-tier slabs are the resident references.
func (m *Manager[K]) Get(key K) (*slab.Slab, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	for level, t := range m.tiers {
		s, err := t.store.Lookup(key)
		if err == nil {
			if level == 0 {
				m.touch(key)
			}
			return s, nil
		}
		if !errors.Is(err, kv.ErrNotFound) {
			return nil, err
		}
	}
	return nil, kv.ErrNotFound
}

// GetOrCreate returns the slab for key, creating a zeroed one in tier 0
// if the key is absent everywhere. A key found in tier 1 is promoted back
// into tier 0. When concurrent callers race to create the same key,
// exactly one slab survives and all callers receive it.
func (m *Manager[K]) GetOrCreate(key K) (*slab.Slab, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	for level, t := range m.tiers {
		s, err := t.store.Lookup(key)
		if err == nil {
			if level > 0 {
				return m.promote(key, level, s)
			}
			m.touch(key)
			return s, nil
		}
		if !errors.Is(err, kv.ErrNotFound) {
			return nil, err
		}
	}

	s, err := slab.New(m.tiers[0].alloc, int(m.totalDims.Load()))
	if err != nil {
		return nil, err
	}

	if err := m.tiers[0].store.Insert(key, s); err != nil {
		s.Destroy()
		if !errors.Is(err, kv.ErrAlreadyExists) {
			return nil, err
		}
		// Lost the creation race; serve the winner's slab.
		winner, lerr := m.tiers[0].store.Lookup(key)
		if lerr != nil {
			return nil, lerr
		}
		m.touch(key)
		return winner, nil
	}

	m.touch(key)
	return s, nil
}

// promote moves a slab found at a lower tier back into tier 0.
func (m *Manager[K]) promote(key K, level int, s *slab.Slab) (*slab.Slab, error) {
	if err := m.tiers[0].store.Insert(key, s); err != nil {
		// Another caller promoted (or recreated) the key first. Release
		// our materialization per the source tier's ownership rule and
		// serve the winner.
		m.tiers[level].store.FreeSlab(s)
		if !errors.Is(err, kv.ErrAlreadyExists) {
			return nil, err
		}
		winner, lerr := m.tiers[0].store.Lookup(key)
		if lerr != nil {
			return nil, lerr
		}
		m.touch(key)
		return winner, nil
	}

	if err := m.tiers[level].store.Remove(key); err != nil {
		return nil, err
	}
	// The slab is the tier-0 resident reference from here on.
	s.MarkMaterialized(false)
	m.touch(key)
	return s, nil
}

// Remove deletes key from every tier. Slab storage held by memory tiers
// is released through FreeValuePtr or the final Destroy, matching the
// backend ownership rules.
func (m *Manager[K]) Remove(key K) error {
	if err := m.ready(); err != nil {
		return err
	}

	for _, t := range m.tiers {
		if err := t.store.Remove(key); err != nil {
			return err
		}
	}
	if m.cache != nil {
		m.cache.Remove(key)
	}
	return nil
}

// Commit writes (or overwrites) the slab for key into tier 0. Used by
// checkpoint restore.
func (m *Manager[K]) Commit(key K, s *slab.Slab) error {
	if err := m.ready(); err != nil {
		return err
	}

	if err := m.tiers[0].store.Commit(key, s); err != nil {
		return err
	}
	m.touch(key)
	return nil
}

// BatchCommit applies the pairs to every tier concurrently, one goroutine
// per tier. Used when restoring a table across its full tier set.
func (m *Manager[K]) BatchCommit(keys []K, slabs []*slab.Slab) error {
	if err := m.ready(); err != nil {
		return err
	}
	if len(keys) != len(slabs) {
		return fmt.Errorf("tierstore: batch length mismatch %d vs %d", len(keys), len(slabs))
	}

	g := new(errgroup.Group)
	for _, t := range m.tiers {
		t := t
		g.Go(func() error {
			return t.store.BatchCommit(keys, slabs)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.touch(keys...)
	return nil
}

// Schedule runs fn asynchronously on the worker pool. Single-tier
// configurations have no pool and run fn inline.
func (m *Manager[K]) Schedule(ctx context.Context, fn func()) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.initialized.Load() {
		return ErrNotInitialized
	}

	if m.pool == nil {
		fn()
		return nil
	}
	return m.pool.submit(ctx, fn)
}

// Size returns the total number of keys across all tiers.
func (m *Manager[K]) Size() int64 {
	var total int64
	for _, t := range m.tiers {
		total += t.store.Size()
	}
	return total
}

// TierSize returns the key count of one tier.
func (m *Manager[K]) TierSize(level int) int64 {
	if level < 0 || level >= len(m.tiers) {
		return 0
	}
	return m.tiers[level].store.Size()
}

// Tiers returns the number of configured tiers.
func (m *Manager[K]) Tiers() int {
	return len(m.tiers)
}

// Cache exposes the tier-0 recency tracker, or nil for single-tier
// configurations.
func (m *Manager[K]) Cache() cache.BatchCache[K] {
	if m.cache == nil {
		return nil
	}
	return m.cache
}

// MemoryUsage returns the tracked allocator memory in bytes.
func (m *Manager[K]) MemoryUsage() int64 {
	return m.rc.MemoryUsage()
}

// FreeValuePtr releases a slab obtained from Get, GetOrCreate, or a
// snapshot. Each tier applies its own ownership rule: memory backends
// retain their references and do nothing, the disk backend destroys the
// materialized copy.
func (m *Manager[K]) FreeValuePtr(s *slab.Slab) {
	if s == nil {
		return
	}
	for _, t := range m.tiers {
		t.store.FreeSlab(s)
	}
}

// Close stops the eviction task and worker pool, then closes every
// backend and allocator. Idempotent.
func (m *Manager[K]) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !m.initialized.Load() {
		return nil
	}

	if m.evictCancel != nil {
		m.evictCancel()
		<-m.evictDone
	}
	if m.pool != nil {
		m.pool.close()
	}

	var err error
	for _, t := range m.tiers {
		if serr := t.store.Close(); serr != nil && err == nil {
			err = serr
		}
		if aerr := t.alloc.Close(); aerr != nil && err == nil {
			err = aerr
		}
	}
	return err
}
