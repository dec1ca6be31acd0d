// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sandbox implements the native execution environment of the linear backend: a Module owns
// a linear Memory and a table of native tensors, and it exports functions that take and return only
// plain integers (ids, sizes and offsets), never Go values.
//
// It plays the role of a compiled module loaded into an isolated runtime: the caller binds the exported
// functions by name (see Module.Func), allocates memory with the "malloc" export, and registers the
// tensors it stored there with "register_tensor" before calling the compute functions.
//
// Exported functions:
//
//	malloc(nbytes) -> offset
//	free(offset)
//	register_tensor(id, size, offset, dtype)
//	dispose_data(id)
//	Min(xID, reduceSize, outID), Max(...), Sum(...), Prod(...)
package sandbox

import (
	"maps"
	"slices"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Func is a function exported by the Module. Arguments and the result are plain integers.
type Func func(args ...int64) (int64, error)

// ErrUnknownFunction is returned by Module.Func for names that are not exported.
var ErrUnknownFunction = errors.New("unknown exported function")

// ErrTrap is returned by exported functions when the native computation fails.
var ErrTrap = errors.New("native trap")

// Module is an instance of the native module: its linear memory, the native tensor table and
// the exported functions.
//
// It is not safe for concurrent use.
type Module struct {
	memory  *Memory
	tensors map[int32]nativeTensor
	exports map[string]Func
	calls   map[string]int
}

// nativeTensor is the native description of a tensor stored in the linear memory.
type nativeTensor struct {
	size   int
	offset int
	dtype  dtypes.DType
}

// New instantiates a Module with a linear memory of initialMemory bytes, which can grow up to maxMemory
// bytes (0 for unlimited).
func New(initialMemory, maxMemory int) (*Module, error) {
	memory, err := NewMemory(initialMemory, maxMemory)
	if err != nil {
		return nil, err
	}
	m := &Module{
		memory:  memory,
		tensors: make(map[int32]nativeTensor),
		calls:   make(map[string]int),
	}
	m.exports = map[string]Func{
		"malloc":          m.malloc,
		"free":            m.free,
		"register_tensor": m.registerTensor,
		"dispose_data":    m.disposeData,
		"Min":             m.reduceFunc("Min", reduceMinTable),
		"Max":             m.reduceFunc("Max", reduceMaxTable),
		"Sum":             m.reduceFunc("Sum", reduceSumTable),
		"Prod":            m.reduceFunc("Prod", reduceProdTable),
	}
	klog.V(2).Infof("sandbox module instantiated with %d bytes of linear memory", memory.Size())
	return m, nil
}

// Func returns the exported function with the given name.
func (m *Module) Func(name string) (Func, error) {
	fn, found := m.exports[name]
	if !found {
		return nil, errors.Wrapf(ErrUnknownFunction, "%q", name)
	}
	return func(args ...int64) (int64, error) {
		if m.memory.region == nil {
			return 0, errors.Wrapf(ErrTrap, "%s called on a closed module", name)
		}
		m.calls[name]++
		return fn(args...)
	}, nil
}

// Exports returns the names of the exported functions, sorted.
func (m *Module) Exports() []string {
	return slices.Sorted(maps.Keys(m.exports))
}

// NumCalls returns how many times the exported function was called.
func (m *Module) NumCalls(name string) int { return m.calls[name] }

// Memory returns the linear memory of the module.
func (m *Module) Memory() *Memory { return m.memory }

// NumTensors returns the number of registered native tensors.
func (m *Module) NumTensors() int { return len(m.tensors) }

// Close releases the linear memory. The module can't be used afterwards.
func (m *Module) Close() error {
	clear(m.tensors)
	return m.memory.Close()
}

func checkArgs(name string, args []int64, n int) error {
	if len(args) != n {
		return errors.Wrapf(ErrTrap, "%s takes %d arguments, got %d", name, n, len(args))
	}
	return nil
}

func (m *Module) malloc(args ...int64) (int64, error) {
	if err := checkArgs("malloc", args, 1); err != nil {
		return 0, err
	}
	offset, err := m.memory.Malloc(int(args[0]))
	return int64(offset), err
}

func (m *Module) free(args ...int64) (int64, error) {
	if err := checkArgs("free", args, 1); err != nil {
		return 0, err
	}
	return 0, m.memory.Free(int(args[0]))
}

func (m *Module) registerTensor(args ...int64) (int64, error) {
	if err := checkArgs("register_tensor", args, 4); err != nil {
		return 0, err
	}
	id, size, offset, dtype := int32(args[0]), int(args[1]), int(args[2]), dtypes.DType(args[3])
	if _, found := m.tensors[id]; found {
		return 0, errors.Wrapf(ErrTrap, "register_tensor: tensor id %d already registered", id)
	}
	if !dtype.IsSupported() {
		return 0, errors.Wrapf(ErrTrap, "register_tensor: invalid dtype %d", args[3])
	}
	if _, err := m.memory.Bytes(offset, size*int(dtype.Memory())); err != nil {
		return 0, errors.Wrapf(ErrTrap, "register_tensor(id=%d): %v", id, err)
	}
	m.tensors[id] = nativeTensor{size: size, offset: offset, dtype: dtype}
	return 0, nil
}

func (m *Module) disposeData(args ...int64) (int64, error) {
	if err := checkArgs("dispose_data", args, 1); err != nil {
		return 0, err
	}
	id := int32(args[0])
	if _, found := m.tensors[id]; !found {
		return 0, errors.Wrapf(ErrTrap, "dispose_data: unknown tensor id %d", id)
	}
	delete(m.tensors, id)
	return 0, nil
}

// reduceFn reduces each group of reduceSize consecutive values of x into one value of out.
type reduceFn func(m *Module, x, out nativeTensor, reduceSize int)

// reduceFunc returns the exported function (xID, reduceSize, outID) for the reduction.
func (m *Module) reduceFunc(name string, table map[dtypes.DType]reduceFn) Func {
	return func(args ...int64) (int64, error) {
		if err := checkArgs(name, args, 3); err != nil {
			return 0, err
		}
		xID, reduceSize, outID := int32(args[0]), int(args[1]), int32(args[2])
		x, found := m.tensors[xID]
		if !found {
			return 0, errors.Wrapf(ErrTrap, "%s: unknown input tensor id %d", name, xID)
		}
		out, found := m.tensors[outID]
		if !found {
			return 0, errors.Wrapf(ErrTrap, "%s: unknown output tensor id %d", name, outID)
		}
		if x.dtype != out.dtype {
			return 0, errors.Wrapf(ErrTrap, "%s: input dtype %s and output dtype %s differ", name, x.dtype, out.dtype)
		}
		if reduceSize <= 0 || out.size*reduceSize != x.size {
			return 0, errors.Wrapf(ErrTrap, "%s: input size %d is not output size %d times reduce size %d",
				name, x.size, out.size, reduceSize)
		}
		fn, found := table[x.dtype]
		if !found {
			return 0, errors.Wrapf(ErrTrap, "%s: dtype %s not supported", name, x.dtype)
		}
		fn(m, x, out, reduceSize)
		return 0, nil
	}
}

// view returns the values of the tensor as a slice of T, backed by the linear memory.
func view[T any](m *Module, t nativeTensor) []T {
	if t.size == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&m.memory.region[t.offset])), t.size)
}
