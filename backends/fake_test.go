// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/kernels/types/shapes"
)

// fakeBackend is a minimal Float64-only Backend used to test the registries.
type fakeBackend struct {
	name      string
	config    string
	data      *DataMap[[]float64]
	finalized bool
	freed     int
}

var _ Backend = (*fakeBackend)(nil)

func newFakeBackend(name, config string) *fakeBackend {
	b := &fakeBackend{name: name, config: config}
	b.data = NewDataMap[[]float64](name, func([]float64) error {
		b.freed++
		return nil
	})
	return b
}

// fakeConstructor returns a constructor for the fake backend, and a pointer to the number of times it was called.
func fakeConstructor(name string) (Constructor, *[]*fakeBackend) {
	var created []*fakeBackend
	return func(config string) (Backend, error) {
		b := newFakeBackend(name, config)
		created = append(created, b)
		return b, nil
	}, &created
}

func (b *fakeBackend) Name() string        { return b.name }
func (b *fakeBackend) Description() string { return "fake backend " + b.name }

func (b *fakeBackend) Capabilities() Capabilities {
	return Capabilities{DTypes: map[dtypes.DType]bool{dtypes.Float64: true}}
}

func (b *fakeBackend) MakeOutput(shape shapes.Shape) (TensorInfo, error) {
	if shape.DType != dtypes.Float64 {
		return TensorInfo{}, errors.Errorf("fake backend only supports Float64, got %s", shape.DType)
	}
	return NewTensorInfo(b.data.Add(make([]float64, shape.Size())), shape), nil
}

func (b *fakeBackend) TensorFromFlatData(flat any, shape shapes.Shape) (TensorInfo, error) {
	t, err := b.MakeOutput(shape)
	if err != nil {
		return t, err
	}
	values, _ := b.data.Get(t.DataID)
	copy(values, flat.([]float64))
	return t, nil
}

func (b *fakeBackend) TensorToFlatData(t TensorInfo, flat any) error {
	values, err := b.data.Get(t.DataID)
	if err != nil {
		return err
	}
	copy(flat.([]float64), values)
	return nil
}

func (b *fakeBackend) IncRef(id DataID) error { return b.data.IncRef(id) }

func (b *fakeBackend) DisposeData(id DataID) error {
	_, err := b.data.Release(id)
	return err
}

func (b *fakeBackend) MemoryStats() MemoryStats {
	var stats MemoryStats
	for _, values := range b.data.All() {
		stats.NumTensors++
		stats.NumBytes += uint64(8 * len(values))
	}
	return stats
}

func (b *fakeBackend) Finalize() error {
	b.finalized = true
	return b.data.ReleaseAll()
}

// fakeSumKernel sums all the values of input "x" into a scalar.
func fakeSumKernel(backend Backend, inputs Inputs, _ Attrs) ([]TensorInfo, error) {
	x, err := inputs.Get(OpTypeSum, "x")
	if err != nil {
		return nil, err
	}
	b := backend.(*fakeBackend)
	values, err := b.data.Get(x.DataID)
	if err != nil {
		return nil, err
	}
	out, err := b.MakeOutput(shapes.Make(dtypes.Float64))
	if err != nil {
		return nil, err
	}
	outValues, _ := b.data.Get(out.DataID)
	for _, v := range values {
		outValues[0] += v
	}
	return []TensorInfo{out}, nil
}

func shapesF64(dimensions ...int) shapes.Shape {
	return shapes.Make(dtypes.Float64, dimensions...)
}
