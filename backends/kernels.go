// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"cmp"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/kernels/types/shapes"
)

// KernelFunc implements an operation for one backend.
//
// The inputs are resolved by the kernel through the backend that owns them, and the outputs are
// allocated with Backend.MakeOutput. If the kernel fails after allocating outputs, it must release them,
// also when the failure is a panic: the registry can't know which outputs were allocated.
type KernelFunc func(backend Backend, inputs Inputs, attrs Attrs) ([]TensorInfo, error)

// SetupFunc is run once per activation of the kernel's backend, before the kernel is used.
// It is typically used to bind backend-native functions.
type SetupFunc func(backend Backend) error

// KernelConfig is the registration of the implementation of an operation for a backend.
type KernelConfig struct {
	Op      OpType
	Backend string
	Kernel  KernelFunc

	// Setup is optional.
	Setup SetupFunc
}

type kernelKey struct {
	op      OpType
	backend string
}

// RegisterKernel registers the kernel implementation of an operation for a backend.
//
// The backend doesn't need to be registered yet. If it is the active backend, the setup hook of the kernel
// is run immediately, and if it fails the registration is undone.
//
// It fails with ErrDuplicateKernel if a kernel for the same operation and backend was already registered.
func (r *Registry) RegisterKernel(config KernelConfig) error {
	if !config.Op.IsAOpType() || config.Op == OpTypeInvalid || config.Op == OpTypeLast {
		return errors.Errorf("RegisterKernel: invalid op %s", config.Op)
	}
	if config.Backend == "" || config.Kernel == nil {
		return errors.Errorf("RegisterKernel(%s): backend name and kernel function must be given", config.Op)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := kernelKey{op: config.Op, backend: config.Backend}
	if _, found := r.kernels[key]; found {
		return errors.Wrapf(ErrDuplicateKernel, "RegisterKernel(%s, %q)", config.Op, config.Backend)
	}
	kernel := &config
	r.kernels[key] = kernel
	if r.active != nil && r.active.name == config.Backend {
		if err := runSetup(kernel, r.active.instance); err != nil {
			delete(r.kernels, key)
			return err
		}
	}
	klog.V(1).Infof("backends: registered kernel %s for backend %q", config.Op, config.Backend)
	return nil
}

// runSetup runs the setup hook of the kernel, if there is one.
func runSetup(kernel *KernelConfig, backend Backend) error {
	if kernel.Setup == nil {
		return nil
	}
	var err error
	if exception := exceptions.Try(func() { err = kernel.Setup(backend) }); exception != nil {
		err = PanicError(exception)
	}
	if err != nil {
		return errors.WithMessagef(err, "setup of kernel %s for backend %q failed", kernel.Op, kernel.Backend)
	}
	setupTotal.WithLabelValues(kernel.Op.String(), kernel.Backend).Inc()
	klog.V(1).Infof("backends: setup of kernel %s for backend %q", kernel.Op, kernel.Backend)
	return nil
}

// lockedKernelsFor returns the kernels registered for the backend, sorted by op.
//
// It must be called with Registry.mu locked.
func (r *Registry) lockedKernelsFor(backendName string) []*KernelConfig {
	var kernels []*KernelConfig
	for key, kernel := range r.kernels {
		if key.backend == backendName {
			kernels = append(kernels, kernel)
		}
	}
	slices.SortFunc(kernels, func(a, b *KernelConfig) int { return cmp.Compare(a.Op, b.Op) })
	return kernels
}

// Kernels returns all the registered kernels sorted by op and then backend name.
func (r *Registry) Kernels() []KernelConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	kernels := make([]KernelConfig, 0, len(r.kernels))
	for _, kernel := range r.kernels {
		kernels = append(kernels, *kernel)
	}
	slices.SortFunc(kernels, func(a, b KernelConfig) int {
		if c := cmp.Compare(a.Op, b.Op); c != 0 {
			return c
		}
		return cmp.Compare(a.Backend, b.Backend)
	})
	return kernels
}

// Dispatch runs the operation on the active backend, and returns its single output.
// If the kernel returns more than one output, they are released and an error is returned.
// See DispatchMulti.
func (r *Registry) Dispatch(op OpType, inputs Inputs, attrs Attrs) (TensorInfo, error) {
	backend, outputs, err := r.dispatch(op, inputs, attrs)
	if err != nil {
		return TensorInfo{}, err
	}
	if len(outputs) != 1 {
		releaseOutputs(backend, op, outputs)
		return TensorInfo{}, errors.Errorf("Dispatch(%s): kernel returned %d outputs, use DispatchMulti instead", op, len(outputs))
	}
	return outputs[0], nil
}

// releaseOutputs disposes of outputs that can't be returned to the caller.
func releaseOutputs(backend Backend, op OpType, outputs []TensorInfo) {
	for _, output := range outputs {
		if err := backend.DisposeData(output.DataID); err != nil {
			klog.Warningf("backends: failed to release output %s of %s: %v", output, op, err)
		}
	}
}

// DispatchByName is like Dispatch, but takes the name of the operation. E.g.: "Min".
func (r *Registry) DispatchByName(opName string, inputs Inputs, attrs Attrs) (TensorInfo, error) {
	op, err := OpTypeString(opName)
	if err != nil {
		return TensorInfo{}, errors.Wrapf(ErrKernelNotFound, "DispatchByName(%q)", opName)
	}
	return r.Dispatch(op, inputs, attrs)
}

// DispatchMulti runs the operation on the active backend, activating the default backend if none is active yet.
//
// It fails with ErrKernelNotFound if the active backend has no kernel for the operation: there is no fallback
// to other backends. Errors returned by the kernel are returned as is, and a kernel panic is returned as a
// KernelExecutionError.
func (r *Registry) DispatchMulti(op OpType, inputs Inputs, attrs Attrs) ([]TensorInfo, error) {
	_, outputs, err := r.dispatch(op, inputs, attrs)
	return outputs, err
}

// dispatch implements DispatchMulti, and also returns the backend that ran the kernel.
func (r *Registry) dispatch(op OpType, inputs Inputs, attrs Attrs) (backend Backend, outputs []TensorInfo, err error) {
	r.mu.Lock()
	entry, err := r.lockedActive()
	if err != nil {
		r.mu.Unlock()
		return nil, nil, err
	}
	backend = entry.instance
	backendName := entry.name
	kernel, found := r.kernels[kernelKey{op: op, backend: backendName}]
	r.mu.Unlock()

	if !found {
		dispatchTotal.WithLabelValues(op.String(), backendName, statusNotFound).Inc()
		return nil, nil, errors.Wrapf(ErrKernelNotFound, "operation %s on backend %q", op, backendName)
	}

	start := time.Now()
	exception := exceptions.Try(func() {
		outputs, err = kernel.Kernel(backend, inputs, attrs)
	})
	if exception != nil {
		outputs = nil
		err = NewKernelExecutionError(op, backendName, inputs.Shapes(), shapes.Invalid(), PanicError(exception))
	}
	dispatchDuration.WithLabelValues(op.String(), backendName).Observe(time.Since(start).Seconds())
	dispatchTotal.WithLabelValues(op.String(), backendName, dispatchStatus(err)).Inc()
	return backend, outputs, err
}

func dispatchStatus(err error) string {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, ErrKernelExecution):
		return statusExecutionError
	case errors.Is(err, ErrKernelNotFound):
		return statusNotFound
	default:
		return statusInvalidInput
	}
}

// Package level functions using the Default registry.

// RegisterBackend registers a backend in the Default registry. See Registry.RegisterBackend.
func RegisterBackend(name string, constructor Constructor, priority int) error {
	return Default().RegisterBackend(name, constructor, priority)
}

// RegisterKernel registers a kernel in the Default registry. See Registry.RegisterKernel.
func RegisterKernel(config KernelConfig) error {
	return Default().RegisterKernel(config)
}

// Dispatch an operation to the active backend of the Default registry. See Registry.Dispatch.
func Dispatch(op OpType, inputs Inputs, attrs Attrs) (TensorInfo, error) {
	return Default().Dispatch(op, inputs, attrs)
}
