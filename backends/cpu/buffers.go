// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"reflect"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/kernels/backends"
	"github.com/gomlx/kernels/types/shapes"
)

// Buffer for the cpu backend holds a shape and a reference to the flat data.
type Buffer struct {
	shape shapes.Shape
	valid bool

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

// Flat returns the flat slice holding the buffer values.
func (buf *Buffer) Flat() any { return buf.flat }

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for given dtype/length.
func (b *Backend) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := b.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = b.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				return &Buffer{
					flat: reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
				}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// getBuffer from the backend pool of buffers, zero-initialized.
func (b *Backend) getBuffer(shape shapes.Shape) *Buffer {
	pool := b.getBufferPool(shape.DType, shape.Size())
	buf := pool.Get().(*Buffer)
	reflect.ValueOf(buf.flat).Clear()
	buf.shape = shape.Clone()
	buf.valid = true
	return buf
}

// freeBuffer is called by the DataMap when the reference count of a buffer reaches 0:
// it puts the buffer back into the pool.
// After this any references to buffer should be dropped.
//
// It is called with Backend.mu locked.
func (b *Backend) freeBuffer(buffer *Buffer) error {
	if buffer == nil || !buffer.valid {
		return errors.Errorf("buffer %p was already freed", buffer)
	}
	buffer.valid = false
	b.numBytes -= uint64(buffer.shape.Memory())
	pool := b.getBufferPool(buffer.shape.DType, buffer.shape.Size())
	pool.Put(buffer)
	return nil
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// checkFlat verifies that flat is a slice of the Go type of the shape's dtype, with the right number of elements.
func checkFlat(flat any, shape shapes.Shape) error {
	flatType := reflect.TypeOf(flat)
	if flatType == nil || flatType.Kind() != reflect.Slice {
		return errors.Errorf("flat data must be a slice, got %T", flat)
	}
	if dtypes.FromGoType(flatType.Elem()) != shape.DType {
		return errors.Errorf("flat data type (%s) does not match shape DType (%s)", flatType.Elem(), shape.DType)
	}
	if n := reflect.ValueOf(flat).Len(); n != shape.Size() {
		return errors.Errorf("flat data has %d elements, but shape %s has size %d", n, shape, shape.Size())
	}
	return nil
}

// add a new buffer to the data map, and returns its TensorInfo.
//
// It must be called with Backend.mu locked.
func (b *Backend) lockedAdd(buffer *Buffer) backends.TensorInfo {
	b.numBytes += uint64(buffer.shape.Memory())
	id := b.data.Add(buffer)
	if klog.V(2).Enabled() {
		klog.Infof("backend %q: allocated %s for %s (total %s)", BackendName,
			humanize.Bytes(uint64(buffer.shape.Memory())), buffer.shape, humanize.Bytes(b.numBytes))
	}
	return backends.NewTensorInfo(id, buffer.shape)
}

func (b *Backend) lockedCheckValid() error {
	if b.finalized {
		return errors.Errorf("backend %q has already been finalized", BackendName)
	}
	return nil
}

// lockedCheckValidID is lockedCheckValid for the operations on an existing DataID: after Finalize all
// DataIDs of the backend are released, so they are reported as invalid.
func (b *Backend) lockedCheckValidID(id backends.DataID) error {
	if b.finalized {
		return errors.Wrapf(backends.ErrInvalidDataID, "%s: backend %q has already been finalized", id, BackendName)
	}
	return nil
}

// MakeOutput implements backends.Backend: it allocates a zero-initialized buffer.
func (b *Backend) MakeOutput(shape shapes.Shape) (backends.TensorInfo, error) {
	if !shape.Ok() {
		return backends.TensorInfo{}, errors.Errorf("backend %q: MakeOutput with invalid shape", BackendName)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheckValid(); err != nil {
		return backends.TensorInfo{}, err
	}
	return b.lockedAdd(b.getBuffer(shape)), nil
}

// TensorFromFlatData implements backends.Backend.
func (b *Backend) TensorFromFlatData(flat any, shape shapes.Shape) (backends.TensorInfo, error) {
	if err := checkFlat(flat, shape); err != nil {
		return backends.TensorInfo{}, errors.WithMessagef(err, "backend %q: TensorFromFlatData", BackendName)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheckValid(); err != nil {
		return backends.TensorInfo{}, err
	}
	buffer := b.getBuffer(shape)
	copyFlat(buffer.flat, flat)
	return b.lockedAdd(buffer), nil
}

// TensorToFlatData implements backends.Backend.
func (b *Backend) TensorToFlatData(t backends.TensorInfo, flat any) error {
	buffer, err := b.Buffer(t.DataID)
	if err != nil {
		return err
	}
	if err := checkFlat(flat, buffer.shape); err != nil {
		return errors.WithMessagef(err, "backend %q: TensorToFlatData", BackendName)
	}
	copyFlat(flat, buffer.flat)
	return nil
}

// Buffer returns the buffer associated with the DataID.
func (b *Backend) Buffer(id backends.DataID) (*Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheckValidID(id); err != nil {
		return nil, err
	}
	return b.data.Get(id)
}

// IncRef implements backends.Backend.
func (b *Backend) IncRef(id backends.DataID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheckValidID(id); err != nil {
		return err
	}
	return b.data.IncRef(id)
}

// DisposeData implements backends.Backend: it decrements the reference count of the buffer, and returns
// it to the pool of buffers when it reaches 0.
func (b *Backend) DisposeData(id backends.DataID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheckValidID(id); err != nil {
		return err
	}
	_, err := b.data.Release(id)
	return err
}
