// Package mem provides the DRAM allocator: heap-backed, 16-byte aligned
// float32 storage with optional budget tracking.
package mem

import (
	"unsafe"

	"github.com/hupe1980/tierstore/internal/resource"
)

// Alignment is the byte alignment of returned slices. Slab starts must be
// 16-byte aligned for the vectorized apply kernels.
const Alignment = 16

// Allocator hands out aligned float32 slices from the Go heap. If a
// resource controller is attached, allocations draw against its memory
// budget. Safe for concurrent use.
type Allocator struct {
	rc *resource.Controller
}

// NewAllocator creates a heap allocator. rc may be nil.
func NewAllocator(rc *resource.Controller) *Allocator {
	return &Allocator{rc: rc}
}

// AllocFloat32 returns a zeroed slice of n float32s starting at a 16-byte
// aligned address.
func (a *Allocator) AllocFloat32(n int) ([]float32, error) {
	if n <= 0 {
		return nil, nil
	}

	if err := a.rc.AcquireMemory(allocBytes(n)); err != nil {
		return nil, err
	}

	return alignedFloat32(n), nil
}

// Free releases a slice previously returned by AllocFloat32. The memory
// itself is reclaimed by the garbage collector; Free returns the bytes to
// the budget.
func (a *Allocator) Free(p []float32) {
	if p == nil {
		return
	}
	a.rc.ReleaseMemory(allocBytes(len(p)))
}

// Close implements the allocator contract. Heap storage has no pool to
// release.
func (a *Allocator) Close() error {
	return nil
}

func allocBytes(n int) int64 {
	return int64(n)*4 + Alignment
}

// alignedFloat32 over-allocates by Alignment bytes and slices at the first
// aligned offset. The underlying array stays alive through the returned
// slice.
func alignedFloat32(n int) []float32 {
	buf := make([]byte, n*4+Alignment)

	ptr := unsafe.Pointer(&buf[0]) //nolint:gosec // alignment requires address math
	addr := uintptr(ptr)
	offset := (Alignment - (addr & (Alignment - 1))) & (Alignment - 1)

	aligned := buf[offset : offset+uintptr(n*4)]
	return unsafe.Slice((*float32)(unsafe.Pointer(&aligned[0])), n) //nolint:gosec // alignment requires address math
}
