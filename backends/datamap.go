// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"iter"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DataMap maps DataIDs to the physical records of one backend instance: R is the backend-private
// description of where the data lives (a Go slice, an offset into a linear memory, etc.).
//
// Each record has a reference count: it is created with 1, and when it reaches 0 the record is removed
// and the free function given to NewDataMap is called to release the storage.
//
// A DataMap is exclusively owned by its backend, and it is not safe for concurrent use: backends
// must serialize access to it.
type DataMap[R any] struct {
	backendName string
	owner       uuid.UUID
	lastSeq     uint64
	entries     map[uint64]*dataEntry[R]
	free        func(record R) error
}

type dataEntry[R any] struct {
	record   R
	refCount int
}

// NewDataMap creates a DataMap for a new instance of the named backend.
// free is called to release the storage of a record once its reference count reaches 0, and it can be nil.
func NewDataMap[R any](backendName string, free func(record R) error) *DataMap[R] {
	return &DataMap[R]{
		backendName: backendName,
		owner:       uuid.New(),
		entries:     make(map[uint64]*dataEntry[R]),
		free:        free,
	}
}

// Add a new record to the map, with reference count 1, and returns its new unique DataID.
func (m *DataMap[R]) Add(record R) DataID {
	m.lastSeq++
	m.entries[m.lastSeq] = &dataEntry[R]{record: record, refCount: 1}
	return DataID{owner: m.owner, seq: m.lastSeq}
}

// lookup returns the entry for the id, or an explanation of why it is not valid for this map.
func (m *DataMap[R]) lookup(id DataID) (*dataEntry[R], error) {
	if id.IsZero() {
		return nil, errors.Wrapf(ErrInvalidDataID, "zero DataID given to backend %q", m.backendName)
	}
	if id.owner != m.owner {
		return nil, errors.Wrapf(ErrInvalidDataID,
			"%s belongs to a different backend instance, not to %q", id, m.backendName)
	}
	entry, found := m.entries[id.seq]
	if !found {
		return nil, errors.Wrapf(ErrInvalidDataID,
			"%s was already released from backend %q", id, m.backendName)
	}
	return entry, nil
}

// Owns returns whether the id was created by this map, even if it has already been released.
func (m *DataMap[R]) Owns(id DataID) bool {
	return !id.IsZero() && id.owner == m.owner
}

// Get returns the record associated with id.
//
// It fails with ErrInvalidDataID if the id is unknown: it belongs to another backend, or it was released.
func (m *DataMap[R]) Get(id DataID) (record R, err error) {
	entry, err := m.lookup(id)
	if err != nil {
		return
	}
	return entry.record, nil
}

// IncRef increments the reference count of id: an extra Release will be required to free it.
func (m *DataMap[R]) IncRef(id DataID) error {
	entry, err := m.lookup(id)
	if err != nil {
		return err
	}
	entry.refCount++
	return nil
}

// RefCount returns the current reference count of id.
func (m *DataMap[R]) RefCount(id DataID) (int, error) {
	entry, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	return entry.refCount, nil
}

// Release decrements the reference count of id, and when it reaches 0 it frees the record.
// It returns whether the record was freed.
//
// Releasing an id that was already freed is a programmer error, and it is reported as ErrInvalidDataID.
func (m *DataMap[R]) Release(id DataID) (freed bool, err error) {
	entry, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	entry.refCount--
	if entry.refCount > 0 {
		return false, nil
	}
	delete(m.entries, id.seq)
	if m.free != nil {
		if err = m.free(entry.record); err != nil {
			return true, errors.WithMessagef(err, "backend %q failed to free %s", m.backendName, id)
		}
	}
	return true, nil
}

// ReleaseAll frees every record, regardless of its reference count. All DataIDs become invalid.
//
// It attempts to free all records even if some fail: the first error is returned, the others are logged.
func (m *DataMap[R]) ReleaseAll() error {
	var firstErr error
	for seq, entry := range m.entries {
		delete(m.entries, seq)
		if m.free == nil {
			continue
		}
		if err := m.free(entry.record); err != nil {
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "backend %q failed to free data", m.backendName)
			} else {
				klog.Warningf("backend %q failed to free data: %v", m.backendName, err)
			}
		}
	}
	return firstErr
}

// Len returns the number of live records.
func (m *DataMap[R]) Len() int { return len(m.entries) }

// All iterates over the live records, in no particular order.
// The map must not be modified during the iteration.
func (m *DataMap[R]) All() iter.Seq2[DataID, R] {
	return func(yield func(DataID, R) bool) {
		for seq, entry := range m.entries {
			if !yield(DataID{owner: m.owner, seq: seq}, entry.record) {
				return
			}
		}
	}
}
