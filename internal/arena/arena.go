// Package arena implements the persistent-memory allocator: float32 storage
// carved from memory-mapped pool files.
//
// Two allocation strategies exist, mirroring the two persistent-memory
// configurations of the engine:
//
//   - NewPool: a growable arena that maps fixed-size chunk files
//     (pool-0000.mem, pool-0001.mem, ...) under a directory and bump
//     allocates within the current chunk.
//   - NewFixed: a single pre-sized mapping of one pool file; allocation
//     fails with ErrPoolExhausted once the mapping is full.
//
// Freed slices go onto a per-size free list and are handed back to later
// allocations of the same size. Embedding tables allocate overwhelmingly
// one slab size, so the free list soaks up churn from eviction races and
// shrink passes.
package arena

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/hupe1980/tierstore/internal/mmap"
	"github.com/hupe1980/tierstore/internal/resource"
)

const (
	// DefaultChunkSize is the pool chunk size (8 MiB).
	DefaultChunkSize = 8 << 20

	// alignment of every carved slice, in bytes.
	alignment = 16
)

var (
	// ErrPoolExhausted is returned when a fixed pool has no room left.
	ErrPoolExhausted = errors.New("arena: pool exhausted")
	// ErrTooLarge is returned when a request exceeds the chunk size.
	ErrTooLarge = errors.New("arena: allocation exceeds chunk size")
)

// Arena allocates aligned float32 slices from mapped pool files. Safe for
// concurrent use.
type Arena struct {
	mu sync.Mutex

	dir       string
	chunkSize int
	fixed     bool

	chunks []*mmap.Mapping
	offset int // bump offset within the last chunk

	free map[int][][]float32 // size (in float32s) -> reusable slices

	rc *resource.Controller
}

// NewPool creates a growable arena under dir. chunkSize <= 0 selects
// DefaultChunkSize.
func NewPool(dir string, chunkSize int, rc *resource.Controller) (*Arena, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	a := &Arena{
		dir:       dir,
		chunkSize: chunkSize,
		free:      make(map[int][][]float32),
		rc:        rc,
	}

	if err := a.mapChunk(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewFixed creates an arena over a single pool file of size bytes.
func NewFixed(path string, size int64, rc *resource.Controller) (*Arena, error) {
	if size <= 0 {
		return nil, mmap.ErrInvalidSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	a := &Arena{
		chunkSize: int(size),
		fixed:     true,
		free:      make(map[int][][]float32),
		rc:        rc,
	}

	if err := rc.AcquireMemory(size); err != nil {
		return nil, err
	}

	m, err := mmap.MapFile(path, int(size))
	if err != nil {
		rc.ReleaseMemory(size)
		return nil, err
	}
	a.chunks = append(a.chunks, m)
	return a, nil
}

// AllocFloat32 returns a zeroed, 16-byte aligned slice of n float32s carved
// from the pool.
func (a *Arena) AllocFloat32(n int) ([]float32, error) {
	if n <= 0 {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if lst := a.free[n]; len(lst) > 0 {
		p := lst[len(lst)-1]
		a.free[n] = lst[:len(lst)-1]
		clear(p)
		return p, nil
	}

	size := n * 4
	padded := (size + alignment - 1) &^ (alignment - 1)
	if padded > a.chunkSize {
		return nil, ErrTooLarge
	}

	if a.offset+padded > a.chunkSize {
		if a.fixed {
			return nil, ErrPoolExhausted
		}
		if err := a.mapChunk(); err != nil {
			return nil, err
		}
	}

	cur := a.chunks[len(a.chunks)-1]
	buf := cur.Bytes()[a.offset : a.offset+size]
	a.offset += padded

	p := unsafe.Slice((*float32)(unsafe.Pointer(&buf[0])), n) //nolint:gosec // pool carving requires reinterpretation
	clear(p)
	return p, nil
}

// Free returns a slice to the per-size free list for reuse.
func (a *Arena) Free(p []float32) {
	if p == nil {
		return
	}

	a.mu.Lock()
	a.free[len(p)] = append(a.free[len(p)], p)
	a.mu.Unlock()
}

// Sync flushes all pool chunks to their backing files.
func (a *Arena) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range a.chunks {
		if err := c.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and unmaps all pool chunks. Outstanding slices become
// invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	for _, c := range a.chunks {
		if serr := c.Sync(); serr != nil && err == nil {
			err = serr
		}
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
		a.rc.ReleaseMemory(int64(a.chunkSize))
	}
	a.chunks = nil
	a.free = make(map[int][][]float32)
	return err
}

// mapChunk maps the next pool chunk file. Caller holds the lock (or is the
// constructor).
func (a *Arena) mapChunk() error {
	if err := a.rc.AcquireMemory(int64(a.chunkSize)); err != nil {
		return err
	}

	path := filepath.Join(a.dir, fmt.Sprintf("pool-%04d.mem", len(a.chunks)))
	m, err := mmap.MapFile(path, a.chunkSize)
	if err != nil {
		a.rc.ReleaseMemory(int64(a.chunkSize))
		return fmt.Errorf("arena: map chunk %s: %w", path, err)
	}

	a.chunks = append(a.chunks, m)
	a.offset = 0
	return nil
}
