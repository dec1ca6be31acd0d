// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Alignment of every allocation in the linear memory, in bytes.
const Alignment = 16

// ErrOutOfMemory is returned when an allocation doesn't fit in the linear memory, even after growing it
// to its maximum size.
var ErrOutOfMemory = errors.New("out of linear memory")

// Memory is a linear memory: one contiguous anonymous memory mapping addressed by offsets, with a
// first-fit allocator.
//
// Offset 0 is reserved and never returned by Malloc, so it can be used as a null offset.
// When the memory grows the mapping is replaced, so slices previously returned by Bytes become invalid:
// always address the memory through offsets.
//
// Memory is not safe for concurrent use.
type Memory struct {
	region  mmap.MMap
	maxSize int

	// free spans, sorted by offset and coalesced.
	free []span

	// used maps the offset of each allocation to its (aligned) size.
	used      map[int]int
	usedBytes int
}

type span struct {
	offset, size int
}

func alignUp(n int) int {
	return (n + Alignment - 1) / Alignment * Alignment
}

// NewMemory creates a linear memory with initialSize bytes, which can grow up to maxSize bytes.
// If maxSize is 0, growth is not limited.
func NewMemory(initialSize, maxSize int) (*Memory, error) {
	initialSize = alignUp(max(initialSize, 2*Alignment))
	maxSize = maxSize / Alignment * Alignment
	if maxSize > 0 && maxSize < initialSize {
		return nil, errors.Errorf("max memory size %s is smaller than the initial size %s",
			humanize.IBytes(uint64(maxSize)), humanize.IBytes(uint64(initialSize)))
	}
	region, err := mmap.MapRegion(nil, initialSize, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %s of linear memory", humanize.IBytes(uint64(initialSize)))
	}
	m := &Memory{
		region:  region,
		maxSize: maxSize,
		free:    []span{{offset: Alignment, size: initialSize - Alignment}},
		used:    make(map[int]int),
	}
	return m, nil
}

// Size of the linear memory in bytes.
func (m *Memory) Size() int { return len(m.region) }

// UsedBytes returns the number of bytes currently allocated.
func (m *Memory) UsedBytes() int { return m.usedBytes }

// NumAllocations returns the number of live allocations.
func (m *Memory) NumAllocations() int { return len(m.used) }

// Malloc allocates n bytes and returns its offset, growing the memory if needed.
func (m *Memory) Malloc(n int) (int, error) {
	if m.region == nil {
		return 0, errors.New("linear memory is closed")
	}
	if n <= 0 {
		return 0, errors.Errorf("invalid allocation size %d", n)
	}
	size := alignUp(n)
	idx := slices.IndexFunc(m.free, func(s span) bool { return s.size >= size })
	if idx == -1 {
		if err := m.grow(size); err != nil {
			return 0, err
		}
		idx = slices.IndexFunc(m.free, func(s span) bool { return s.size >= size })
	}
	offset := m.free[idx].offset
	if m.free[idx].size == size {
		m.free = slices.Delete(m.free, idx, idx+1)
	} else {
		m.free[idx].offset += size
		m.free[idx].size -= size
	}
	m.used[offset] = size
	m.usedBytes += size
	return offset, nil
}

// grow the memory so that a free span of at least size bytes is available at its end.
func (m *Memory) grow(size int) error {
	oldSize := len(m.region)
	needed := size
	if n := len(m.free); n > 0 && m.free[n-1].offset+m.free[n-1].size == oldSize {
		needed -= m.free[n-1].size
	}
	newSize := max(2*oldSize, oldSize+alignUp(needed))
	if m.maxSize > 0 && newSize > m.maxSize {
		newSize = m.maxSize
	}
	if newSize-oldSize < needed {
		return errors.Wrapf(ErrOutOfMemory, "allocating %s (used %s of maximum %s)",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(m.usedBytes)), humanize.IBytes(uint64(m.maxSize)))
	}
	region, err := mmap.MapRegion(nil, newSize, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to grow linear memory to %s", humanize.IBytes(uint64(newSize)))
	}
	copy(region, m.region)
	if err := m.region.Unmap(); err != nil {
		_ = region.Unmap()
		return errors.Wrap(err, "failed to unmap previous linear memory")
	}
	m.region = region
	m.insertFree(span{offset: oldSize, size: newSize - oldSize})
	klog.V(2).Infof("linear memory grew from %s to %s", humanize.IBytes(uint64(oldSize)), humanize.IBytes(uint64(newSize)))
	return nil
}

// Free the allocation at offset.
func (m *Memory) Free(offset int) error {
	size, found := m.used[offset]
	if !found {
		return errors.Errorf("free of offset %d that is not allocated", offset)
	}
	delete(m.used, offset)
	m.usedBytes -= size
	clear(m.region[offset : offset+size])
	m.insertFree(span{offset: offset, size: size})
	return nil
}

// insertFree inserts the span in the sorted free list, merging it with its neighbours.
func (m *Memory) insertFree(s span) {
	idx, _ := slices.BinarySearchFunc(m.free, s.offset, func(e span, offset int) int { return e.offset - offset })
	m.free = slices.Insert(m.free, idx, s)
	if idx+1 < len(m.free) && m.free[idx].offset+m.free[idx].size == m.free[idx+1].offset {
		m.free[idx].size += m.free[idx+1].size
		m.free = slices.Delete(m.free, idx+1, idx+2)
	}
	if idx > 0 && m.free[idx-1].offset+m.free[idx-1].size == m.free[idx].offset {
		m.free[idx-1].size += m.free[idx].size
		m.free = slices.Delete(m.free, idx, idx+1)
	}
}

// Bytes returns the slice of n bytes of the memory starting at offset.
// The slice is only valid until the memory grows.
func (m *Memory) Bytes(offset, n int) ([]byte, error) {
	if offset < 0 || n < 0 || offset+n > len(m.region) {
		return nil, errors.Errorf("memory access [%d, %d) out of bounds of linear memory of %d bytes",
			offset, offset+n, len(m.region))
	}
	return m.region[offset : offset+n], nil
}

// Close unmaps the memory. All offsets become invalid.
func (m *Memory) Close() error {
	if m.region == nil {
		return nil
	}
	err := m.region.Unmap()
	m.region = nil
	m.free = nil
	m.used = make(map[int]int)
	m.usedBytes = 0
	return errors.Wrap(err, "failed to unmap linear memory")
}
