// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements a portable backend that computes in-process, on Go slices.
//
// Tensors are stored as flat Go slices of the dtype's Go type, and kernels run in the calling goroutine,
// parallelizing over independent output ranges for larger tensors.
//
// It registers itself with priority 1 in the default registry of the backends package,
// so it is enough to import it:
//
//	import _ "github.com/gomlx/kernels/backends/cpu"
//
// Configuration options (see backends.ParseOptions): "parallelism=<n>", the soft target of goroutines
// used by a kernel: 0 disables parallelism and -1 makes it unlimited. It defaults to runtime.NumCPU().
package cpu

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/kernels/backends"
	"github.com/gomlx/kernels/internal/workerspool"
)

// BackendName to be used in GOMLX_KERNELS_BACKEND to specify this backend.
const BackendName = "cpu"

// Priority with which the backend is registered.
const Priority = 1

// Registers New() as the constructor for the "cpu" backend, along with its kernels.
func init() {
	if err := Register(backends.Default()); err != nil {
		klog.Fatalf("failed to register backend %q: %+v", BackendName, err)
	}
}

// Register the "cpu" backend and its kernels in the registry.
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

// Backend implements the backends.Backend interface.
type Backend struct {
	// mu protects the data map and the stats.
	mu        sync.Mutex
	data      *backends.DataMap[*Buffer]
	numBytes  uint64
	finalized bool

	// bufferPools are a map to pools of buffers that can be reused.
	// The underlying type is map[bufferPoolKey]*sync.Pool.
	bufferPools sync.Map

	workers *workerspool.Pool
}

// Compile-time check that cpu.Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// New constructs a new cpu Backend. See package documentation for the configuration options.
func New(config string) (backends.Backend, error) {
	return NewBackend(config)
}

// NewBackend is like New, but returns the concrete type.
func NewBackend(config string) (*Backend, error) {
	options, err := backends.ParseOptions(config)
	if err != nil {
		return nil, err
	}
	parallelism := runtime.NumCPU()
	for key, value := range options {
		switch key {
		case "parallelism":
			parallelism, err = strconv.Atoi(value)
			if err != nil || parallelism < -1 {
				return nil, errors.Errorf("backend %q: invalid parallelism %q, it must be an integer >= -1", BackendName, value)
			}
		default:
			return nil, errors.Errorf("backend %q: unknown configuration option %q in %q", BackendName, key, config)
		}
	}
	b := &Backend{workers: workerspool.NewWithParallelism(parallelism)}
	b.data = backends.NewDataMap[*Buffer](BackendName, b.freeBuffer)
	return b, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("Portable in-process Go backend (parallelism=%d)", b.workers.MaxParallelism())
}

// Capabilities returns the dtypes supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities.Clone()
}

// Capabilities of the cpu backend: the data types its kernels support.
var Capabilities = backends.Capabilities{
	DTypes: map[dtypes.DType]bool{
		dtypes.Int8:     true,
		dtypes.Int16:    true,
		dtypes.Int32:    true,
		dtypes.Int64:    true,
		dtypes.Uint8:    true,
		dtypes.Uint16:   true,
		dtypes.Uint32:   true,
		dtypes.Uint64:   true,
		dtypes.Float16:  true,
		dtypes.BFloat16: true,
		dtypes.Float32:  true,
		dtypes.Float64:  true,
	},
}

// MemoryStats implements backends.Backend.
func (b *Backend) MemoryStats() backends.MemoryStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return backends.MemoryStats{
		NumTensors:    b.data.Len(),
		NumBytes:      b.numBytes,
		ReservedBytes: b.numBytes,
	}
}

// Finalize releases all the buffers immediately, and makes the backend invalid.
func (b *Backend) Finalize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil
	}
	b.finalized = true
	numTensors := b.data.Len()
	err := b.data.ReleaseAll()
	klog.V(1).Infof("backend %q finalized, %d tensors released", BackendName, numTensors)
	return err
}
