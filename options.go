package tierstore

import "time"

const (
	// DefaultCacheBudgetBytes is the byte budget from which the tier-0
	// capacity is derived once the slab width is known (1 GiB).
	DefaultCacheBudgetBytes = 1 << 30

	// DefaultEvictionInterval is the periodic wake interval of the
	// background eviction task.
	DefaultEvictionInterval = 10 * time.Millisecond

	// DefaultEvictionBatchSize bounds how many cold keys one eviction
	// cycle migrates.
	DefaultEvictionBatchSize = 1000

	// DefaultFixedPoolBytes sizes fixed persistent-memory mappings when
	// the configuration does not specify a capacity (256 MiB).
	DefaultFixedPoolBytes = 256 << 20

	// schedulerWorkers is the worker pool size for async per-table
	// callbacks in multi-tier configurations.
	schedulerWorkers = 2
)

// Options holds tunables for a Manager.
type Options struct {
	// Logger receives structured engine logs. Defaults to NoopLogger.
	Logger *Logger

	// Metrics observes engine events. Defaults to NoopMetricsObserver.
	Metrics MetricsObserver

	// CacheCapacity fixes the tier-0 resident key budget directly,
	// bypassing the byte-budget derivation. 0 derives it from
	// CacheBudgetBytes.
	CacheCapacity int64

	// CacheBudgetBytes is the byte budget for tier-0 residents.
	CacheBudgetBytes int64

	// EvictionInterval is the periodic wake interval of the eviction task.
	EvictionInterval time.Duration

	// EvictionBatchSize bounds the cold-key batch per eviction cycle.
	EvictionBatchSize int

	// MemoryLimitBytes caps tracked allocator memory. 0 disables the cap.
	MemoryLimitBytes int64

	// IOLimitBytesPerSec throttles eviction migration IO. 0 disables.
	IOLimitBytesPerSec int64

	// CompressJournal enables zstd compression of the disk-tier journal.
	CompressJournal bool

	// ArenaChunkSize overrides the persistent-memory pool chunk size.
	ArenaChunkSize int
}

// DefaultOptions returns the default Manager tunables.
func DefaultOptions() Options {
	return Options{
		CacheBudgetBytes:  DefaultCacheBudgetBytes,
		EvictionInterval:  DefaultEvictionInterval,
		EvictionBatchSize: DefaultEvictionBatchSize,
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *Logger) func(*Options) {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithMetricsObserver sets the metrics observer.
func WithMetricsObserver(m MetricsObserver) func(*Options) {
	return func(o *Options) {
		o.Metrics = m
	}
}

// WithCacheCapacity fixes the tier-0 resident key budget directly.
func WithCacheCapacity(keys int64) func(*Options) {
	return func(o *Options) {
		o.CacheCapacity = keys
	}
}

// WithCacheBudgetBytes sets the byte budget for tier-0 residents.
func WithCacheBudgetBytes(bytes int64) func(*Options) {
	return func(o *Options) {
		o.CacheBudgetBytes = bytes
	}
}

// WithEvictionInterval sets the eviction task wake interval.
func WithEvictionInterval(d time.Duration) func(*Options) {
	return func(o *Options) {
		o.EvictionInterval = d
	}
}

// WithEvictionBatchSize bounds the cold-key batch per eviction cycle.
func WithEvictionBatchSize(n int) func(*Options) {
	return func(o *Options) {
		o.EvictionBatchSize = n
	}
}

// WithMemoryLimit caps tracked allocator memory.
func WithMemoryLimit(bytes int64) func(*Options) {
	return func(o *Options) {
		o.MemoryLimitBytes = bytes
	}
}

// WithIOLimit throttles eviction migration IO.
func WithIOLimit(bytesPerSec int64) func(*Options) {
	return func(o *Options) {
		o.IOLimitBytesPerSec = bytesPerSec
	}
}

// WithJournalCompression enables zstd compression of the disk-tier journal.
func WithJournalCompression(enabled bool) func(*Options) {
	return func(o *Options) {
		o.CompressJournal = enabled
	}
}

// WithArenaChunkSize overrides the persistent-memory pool chunk size.
func WithArenaChunkSize(bytes int) func(*Options) {
	return func(o *Options) {
		o.ArenaChunkSize = bytes
	}
}
