// Package mmap provides read-write memory-mapped file regions.
//
// Persistent-memory style allocators map pool files into the address space
// and hand out slices of the mapping. The package offers a unified API:
//
//	m, err := mmap.MapFile("pool.mem", 1<<20)
//	if err != nil { ... }
//	defer m.Close()
//
//	buf := m.Bytes()      // zero-copy read-write access
//	_ = m.Sync()          // flush dirty pages to the backing file
//
// On Unix this uses mmap(2)/msync(2); on Windows CreateFileMapping and
// FlushViewOfFile. Close is idempotent. Callers must ensure no goroutine
// touches Bytes() after Close returns.
package mmap

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
)

var (
	// ErrClosed is returned when accessing a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned for non-positive mapping sizes.
	ErrInvalidSize = errors.New("mmap: invalid size")
)

// Mapping is a read-write mapping of a file (or anonymous memory).
type Mapping struct {
	data   []byte
	f      *os.File
	closed atomic.Bool
	unmap  func([]byte) error
	flush  func([]byte) error
}

// MapFile creates (or opens) the file at path, grows it to size bytes and
// maps it read-write shared. Existing contents are preserved.
func MapFile(path string, size int) (*Mapping, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if fi.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("mmap: grow %s: %w", path, err)
		}
	}

	data, unmap, flush, err := osMapRW(f, size)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Mapping{data: data, f: f, unmap: unmap, flush: flush}, nil
}

// MapAnon creates an anonymous read-write mapping not backed by a file.
func MapAnon(size int) (*Mapping, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	data, unmap, err := osMapAnon(size)
	if err != nil {
		return nil, err
	}

	return &Mapping{data: data, unmap: unmap}, nil
}

// Bytes returns the mapped region. The slice is invalid after Close.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Len returns the size of the mapping in bytes.
func (m *Mapping) Len() int {
	return len(m.data)
}

// Sync flushes dirty pages to the backing file. No-op for anonymous maps.
func (m *Mapping) Sync() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.flush == nil || len(m.data) == 0 {
		return nil
	}
	return m.flush(m.data)
}

// Close unmaps the region and closes the backing file. Idempotent.
func (m *Mapping) Close() error {
	if m == nil || !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if m.data != nil {
		err = m.unmap(m.data)
		m.data = nil
	}
	if m.f != nil {
		if cerr := m.f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		m.f = nil
	}
	return err
}
