// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package linear implements a backend whose tensors live in the linear memory of a sandboxed native
// module, and whose kernels call the module's exported functions with plain integers only.
//
// Kernels bind the native functions they need in their setup hooks, when the backend is activated.
//
// It registers itself with priority 2 in the default registry of the backends package, so when imported
// it is preferred over the "cpu" backend:
//
//	import _ "github.com/gomlx/kernels/backends/linear"
//
// Configuration options (see backends.ParseOptions):
//
//   - "memory=<size>": initial size of the linear memory, e.g.: "memory=16MiB". Default is 64MiB.
//   - "max_memory=<size>": maximum size the linear memory can grow to. Default is unlimited.
package linear

import (
	"fmt"
	"math"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/kernels/backends"
	"github.com/gomlx/kernels/internal/sandbox"
	"github.com/gomlx/kernels/types/shapes"
)

// BackendName to be used in GOMLX_KERNELS_BACKEND to specify this backend.
const BackendName = "linear"

// Priority with which the backend is registered.
const Priority = 2

// DefaultMemory is the default initial size of the linear memory.
const DefaultMemory = 64 << 20

func init() {
	if err := Register(backends.Default()); err != nil {
		klog.Fatalf("failed to register backend %q: %+v", BackendName, err)
	}
}

// Register the "linear" backend and its kernels in the registry.
func Register(r *backends.Registry) error {
	if err := r.RegisterBackend(BackendName, New, Priority); err != nil {
		return err
	}
	for _, kernel := range Kernels() {
		if err := r.RegisterKernel(kernel); err != nil {
			return err
		}
	}
	return nil
}

// Backend implements backends.Backend on top of a sandbox.Module.
type Backend struct {
	// mu protects everything below: the native module is not safe for concurrent use.
	mu        sync.Mutex
	module    *sandbox.Module
	data      *backends.DataMap[*record]
	lastID    int32
	liveIDs   map[int32]struct{}
	numBytes  uint64
	finalized bool

	// Native functions used for the storage, bound at construction.
	malloc, free, registerTensor, disposeData sandbox.Func

	// bound holds the native functions bound by the kernels' setup hooks.
	bound map[backends.OpType]sandbox.Func
}

// record is where a tensor is stored in the linear memory.
type record struct {
	// id of the tensor in the native tensor table: 0 for empty tensors, which are not stored natively.
	id     int32
	offset int
	nbytes int
	shape  shapes.Shape
}

// Compile-time check that linear.Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// New constructs a new linear Backend. See package documentation for the configuration options.
func New(config string) (backends.Backend, error) {
	return NewBackend(config)
}

// NewBackend is like New, but returns the concrete type.
func NewBackend(config string) (*Backend, error) {
	options, err := backends.ParseOptions(config)
	if err != nil {
		return nil, err
	}
	memory, maxMemory := uint64(DefaultMemory), uint64(0)
	for key, value := range options {
		switch key {
		case "memory":
			memory, err = humanize.ParseBytes(value)
		case "max_memory":
			maxMemory, err = humanize.ParseBytes(value)
		default:
			return nil, errors.Errorf("backend %q: unknown configuration option %q in %q", BackendName, key, config)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "backend %q: invalid value for option %q", BackendName, key)
		}
	}

	module, err := sandbox.New(int(memory), int(maxMemory))
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q", BackendName)
	}
	b := &Backend{
		module:  module,
		liveIDs: make(map[int32]struct{}),
		bound:   make(map[backends.OpType]sandbox.Func),
	}
	for name, fn := range map[string]*sandbox.Func{
		"malloc":          &b.malloc,
		"free":            &b.free,
		"register_tensor": &b.registerTensor,
		"dispose_data":    &b.disposeData,
	} {
		if *fn, err = module.Func(name); err != nil {
			_ = module.Close()
			return nil, err
		}
	}
	b.data = backends.NewDataMap[*record](BackendName, b.freeRecord)
	klog.V(1).Infof("backend %q created with %s of linear memory", BackendName, humanize.IBytes(memory))
	return b, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return "Linear memory sandboxed backend (finalized)"
	}
	return fmt.Sprintf("Linear memory sandboxed backend (%s)", humanize.IBytes(uint64(b.module.Memory().Size())))
}

// Capabilities of the linear backend: the data types its native kernels support.
var Capabilities = backends.Capabilities{
	DTypes: map[dtypes.DType]bool{
		dtypes.Uint8:   true,
		dtypes.Int32:   true,
		dtypes.Int64:   true,
		dtypes.Float32: true,
		dtypes.Float64: true,
	},
}

// Capabilities implements backends.Backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities.Clone()
}

// Module returns the native module of the backend.
func (b *Backend) Module() *sandbox.Module { return b.module }

// MemoryStats implements backends.Backend.
func (b *Backend) MemoryStats() backends.MemoryStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := backends.MemoryStats{
		NumTensors: b.data.Len(),
		NumBytes:   b.numBytes,
	}
	if !b.finalized {
		stats.ReservedBytes = uint64(b.module.Memory().Size())
	}
	return stats
}

// Finalize releases all the tensors and the linear memory. The backend can't be used afterwards.
func (b *Backend) Finalize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil
	}
	b.finalized = true
	numTensors := b.data.Len()
	err := b.data.ReleaseAll()
	clear(b.bound)
	if closeErr := b.module.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	klog.V(1).Infof("backend %q finalized, %d tensors released", BackendName, numTensors)
	return err
}

func (b *Backend) lockedCheckValid() error {
	if b.finalized {
		return errors.Errorf("backend %q has already been finalized", BackendName)
	}
	return nil
}

// lockedNextID returns a new id for the native tensor table. It is never 0, which marks tensors not
// stored natively, and when the counter wraps around the ids still in use are skipped.
//
// It must be called with Backend.mu locked.
func (b *Backend) lockedNextID() (int32, error) {
	if len(b.liveIDs) >= math.MaxInt32 {
		return 0, errors.Errorf("backend %q: no native tensor ids left", BackendName)
	}
	for {
		if b.lastID == math.MaxInt32 {
			b.lastID = 0
		}
		b.lastID++
		if _, found := b.liveIDs[b.lastID]; !found {
			b.liveIDs[b.lastID] = struct{}{}
			return b.lastID, nil
		}
	}
}

// lockedCheckValidID is lockedCheckValid for the operations on an existing DataID: after Finalize all
// DataIDs of the backend are released, so they are reported as invalid.
func (b *Backend) lockedCheckValidID(id backends.DataID) error {
	if b.finalized {
		return errors.Wrapf(backends.ErrInvalidDataID, "%s: backend %q has already been finalized", id, BackendName)
	}
	return nil
}

// Bind the exported native function with the given name as the implementation of op.
// It is called by the kernels' setup hooks.
func (b *Backend) Bind(op backends.OpType, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheckValid(); err != nil {
		return err
	}
	fn, err := b.module.Func(name)
	if err != nil {
		return errors.WithMessagef(err, "backend %q: binding %s", BackendName, op)
	}
	b.bound[op] = fn
	klog.V(1).Infof("backend %q: bound native function %q for %s", BackendName, name, op)
	return nil
}

// IsBound returns whether a native function was bound for op.
func (b *Backend) IsBound(op backends.OpType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, found := b.bound[op]
	return found
}

// callBound calls the native function bound for op.
func (b *Backend) callBound(op backends.OpType, args ...int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheckValid(); err != nil {
		return err
	}
	fn, found := b.bound[op]
	if !found {
		return errors.Errorf("no native function bound for %s, was the backend activated?", op)
	}
	_, err := fn(args...)
	return err
}
