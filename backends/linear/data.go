// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linear

import (
	"reflect"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/kernels/backends"
	"github.com/gomlx/kernels/types/shapes"
)

// lockedAllocate allocates the linear memory for a tensor of the given shape and registers it in the
// native tensor table. Empty tensors take no memory and are not registered.
//
// It must be called with Backend.mu locked.
func (b *Backend) lockedAllocate(shape shapes.Shape) (*record, error) {
	if err := b.lockedCheckValid(); err != nil {
		return nil, err
	}
	rec := &record{shape: shape.Clone(), nbytes: int(shape.Memory())}
	if shape.Size() == 0 {
		return rec, nil
	}
	id, err := b.lockedNextID()
	if err != nil {
		return nil, err
	}
	offset, err := b.malloc(int64(rec.nbytes))
	if err != nil {
		delete(b.liveIDs, id)
		return nil, errors.WithMessagef(err, "backend %q: allocating %s for %s", BackendName,
			humanize.IBytes(uint64(rec.nbytes)), shape)
	}
	rec.id = id
	rec.offset = int(offset)
	if _, err = b.registerTensor(int64(rec.id), int64(shape.Size()), offset, int64(shape.DType)); err != nil {
		delete(b.liveIDs, id)
		_, _ = b.free(offset)
		return nil, errors.WithMessagef(err, "backend %q: registering tensor %s", BackendName, shape)
	}
	b.numBytes += uint64(rec.nbytes)
	if klog.V(2).Enabled() {
		klog.Infof("backend %q: allocated %s at offset %d for %s (total %s)", BackendName,
			humanize.IBytes(uint64(rec.nbytes)), rec.offset, shape, humanize.IBytes(b.numBytes))
	}
	return rec, nil
}

// freeRecord is called by the DataMap when the reference count of a tensor reaches 0.
//
// It is called with Backend.mu locked.
func (b *Backend) freeRecord(rec *record) error {
	if rec.id == 0 {
		return nil
	}
	b.numBytes -= uint64(rec.nbytes)
	delete(b.liveIDs, rec.id)
	if _, err := b.disposeData(int64(rec.id)); err != nil {
		return err
	}
	_, err := b.free(int64(rec.offset))
	return err
}

// MakeOutput implements backends.Backend: it allocates a zero-initialized tensor.
func (b *Backend) MakeOutput(shape shapes.Shape) (backends.TensorInfo, error) {
	if !shape.Ok() {
		return backends.TensorInfo{}, errors.Errorf("backend %q: MakeOutput with invalid shape", BackendName)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.lockedAllocate(shape)
	if err != nil {
		return backends.TensorInfo{}, err
	}
	return backends.NewTensorInfo(b.data.Add(rec), shape), nil
}

// flatBytes returns the bytes of the flat slice, after checking it matches the shape.
func flatBytes(flat any, shape shapes.Shape) ([]byte, error) {
	flatType := reflect.TypeOf(flat)
	if flatType == nil || flatType.Kind() != reflect.Slice {
		return nil, errors.Errorf("flat data must be a slice, got %T", flat)
	}
	if dtypes.FromGoType(flatType.Elem()) != shape.DType {
		return nil, errors.Errorf("flat data type (%s) does not match shape DType (%s)", flatType.Elem(), shape.DType)
	}
	value := reflect.ValueOf(flat)
	if value.Len() != shape.Size() {
		return nil, errors.Errorf("flat data has %d elements, but shape %s has size %d", value.Len(), shape, shape.Size())
	}
	if value.Len() == 0 {
		return nil, nil
	}
	return unsafe.Slice((*byte)(value.UnsafePointer()), value.Len()*int(flatType.Elem().Size())), nil
}

// TensorFromFlatData implements backends.Backend.
func (b *Backend) TensorFromFlatData(flat any, shape shapes.Shape) (backends.TensorInfo, error) {
	src, err := flatBytes(flat, shape)
	if err != nil {
		return backends.TensorInfo{}, errors.WithMessagef(err, "backend %q: TensorFromFlatData", BackendName)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.lockedAllocate(shape)
	if err != nil {
		return backends.TensorInfo{}, err
	}
	if rec.id != 0 {
		dst, err := b.module.Memory().Bytes(rec.offset, rec.nbytes)
		if err != nil {
			_ = b.freeRecord(rec)
			return backends.TensorInfo{}, err
		}
		copy(dst, src)
	}
	return backends.NewTensorInfo(b.data.Add(rec), shape), nil
}

// TensorToFlatData implements backends.Backend.
func (b *Backend) TensorToFlatData(t backends.TensorInfo, flat any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheckValidID(t.DataID); err != nil {
		return err
	}
	rec, err := b.data.Get(t.DataID)
	if err != nil {
		return err
	}
	dst, err := flatBytes(flat, rec.shape)
	if err != nil {
		return errors.WithMessagef(err, "backend %q: TensorToFlatData", BackendName)
	}
	if rec.id == 0 {
		return nil
	}
	src, err := b.module.Memory().Bytes(rec.offset, rec.nbytes)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// record returns the record of the DataID.
func (b *Backend) record(id backends.DataID) (*record, error) {
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

// DisposeData implements backends.Backend: it decrements the reference count of the tensor, and when it
// reaches 0 it is removed from the native tensor table and its memory is freed.
func (b *Backend) DisposeData(id backends.DataID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheckValidID(id); err != nil {
		return err
	}
	_, err := b.data.Release(id)
	return err
}
