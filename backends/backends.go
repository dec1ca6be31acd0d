// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the pluggable compute backends for tensor operations: the Backend interface
// implemented by each execution engine, the DataMap that backends use to map DataIDs to their physical
// storage, and the Registry that holds the registered backends and kernels and dispatches operations to
// the kernel of the active backend.
//
// Backends register themselves (and their kernels) during initialization of their package, usually with
// the Default registry. E.g.:
//
//	import _ "github.com/gomlx/kernels/backends/cpu"
//
//	out, err := backends.Default().Dispatch(backends.OpTypeMin, backends.Inputs{"x": x}, backends.Attrs{"axes": []int{1}})
//
// Errors are returned wrapped with context: use errors.Is to check for the sentinel errors (ErrUnknownBackend,
// ErrKernelNotFound, etc.) defined in this package.
package backends

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/kernels/types/shapes"
)

// Backend is the API that needs to be implemented by an execution engine.
//
// A Backend owns the storage of its tensors (see DataMap): DataIDs created by one backend are
// invalid for any other backend, including other instances of the same backend.
type Backend interface {
	// Name returns the short name of the backend, the same it was registered with. E.g.: "cpu".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Capabilities returns the dtypes supported by the backend.
	Capabilities() Capabilities

	// MakeOutput allocates a new tensor for the given shape, used by kernels for their outputs.
	// The contents are zero-initialized. A tensor with size 0 takes no storage.
	MakeOutput(shape shapes.Shape) (TensorInfo, error)

	// TensorFromFlatData creates a new tensor with the flat values given: a slice of the Go type
	// corresponding to shape.DType, with shape.Size() elements.
	TensorFromFlatData(flat any, shape shapes.Shape) (TensorInfo, error)

	// TensorToFlatData copies the values of the tensor to flat, a slice of the corresponding Go type
	// with the exact number of elements of the tensor.
	TensorToFlatData(t TensorInfo, flat any) error

	// IncRef increments the reference count of the tensor's storage: one more DisposeData is
	// needed to free it.
	IncRef(id DataID) error

	// DisposeData decrements the reference count of the tensor storage, and frees it when it reaches 0.
	// Disposing an already freed DataID returns an error wrapping ErrInvalidDataID.
	DisposeData(id DataID) error

	// MemoryStats returns the current number of tensors and the memory they use.
	MemoryStats() MemoryStats

	// Finalize releases all the tensors and associated resources immediately, and makes the backend invalid.
	Finalize() error
}

// MemoryStats reports the storage held by a Backend.
type MemoryStats struct {
	// NumTensors is the number of live DataIDs.
	NumTensors int

	// NumBytes used by the tensors' data.
	NumBytes uint64

	// ReservedBytes is the storage reserved by the backend, which can be larger than NumBytes.
	// E.g.: the size of a linear memory.
	ReservedBytes uint64
}

// Constructor takes a config string (optionally empty) and returns a new Backend instance.
//
// The configuration format is backend specific, but by convention it is a comma-separated list of
// "key=value" options, see ParseOptions.
type Constructor func(config string) (Backend, error)

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>[:<backend_configuration>]".
// The "<backend_name>" is the name of a registered backend (e.g.: "cpu") and
// "<backend_configuration>" is backend specific (e.g.: for the "cpu" backend "parallelism=4").
const ConfigEnvVar = "GOMLX_KERNELS_BACKEND"

// SplitConfig splits a configuration in the format "<backend_name>[:<backend_configuration>]".
func SplitConfig(config string) (backendName, backendConfig string) {
	backendName = config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	return
}

// ParseOptions parses a backend configuration in the format "key1=value1,key2=value2,flag".
// Options without a value ("flag") are mapped to an empty string.
func ParseOptions(config string) (map[string]string, error) {
	options := make(map[string]string)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errors.Errorf("invalid option %q in backend configuration %q", part, config)
		}
		if _, found := options[key]; found {
			return nil, errors.Errorf("option %q given more than once in backend configuration %q", key, config)
		}
		options[key] = strings.TrimSpace(value)
	}
	return options, nil
}
