// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linear

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/kernels/backends"
	"github.com/gomlx/kernels/types/shapes"
)

// Kernels returns the kernel registrations of the linear backend.
func Kernels() []backends.KernelConfig {
	ops := []backends.OpType{backends.OpTypeMin, backends.OpTypeMax, backends.OpTypeSum, backends.OpTypeProd}
	kernels := make([]backends.KernelConfig, 0, len(ops))
	for _, op := range ops {
		kernels = append(kernels, backends.KernelConfig{
			Op:      op,
			Backend: BackendName,
			Kernel:  reduceKernel(op),
			Setup:   bindSetup(op, op.String()),
		})
	}
	return kernels
}

// bindSetup returns a setup hook that binds the native function name as the implementation of op.
func bindSetup(op backends.OpType, name string) backends.SetupFunc {
	return func(backend backends.Backend) error {
		b, ok := backend.(*Backend)
		if !ok {
			return errors.Errorf("%s: setup for backend %q called with backend %q", op, BackendName, backend.Name())
		}
		return b.Bind(op, name)
	}
}

// reduceKernel returns the kernel for a reduction over the inner-most axes of the input "x",
// given by the attribute "axes". The computation is done by the native function (xID, reduceSize, outID).
func reduceKernel(op backends.OpType) backends.KernelFunc {
	return func(backend backends.Backend, inputs backends.Inputs, attrs backends.Attrs) ([]backends.TensorInfo, error) {
		b, ok := backend.(*Backend)
		if !ok {
			return nil, errors.Errorf("%s: kernel for backend %q called with backend %q", op, BackendName, backend.Name())
		}
		x, err := inputs.Get(op, "x")
		if err != nil {
			return nil, err
		}
		xRec, err := b.record(x.DataID)
		if err != nil {
			return nil, err
		}
		if err := x.Shape().CheckSame(xRec.shape); err != nil {
			return nil, errors.Wrapf(backends.ErrInvalidInput, "%s: input \"x\" (%s): %v", op, x.DataID, err)
		}
		axes, err := attrs.Ints(op, "axes")
		if err != nil {
			return nil, err
		}
		axes, err = shapes.AssertAxesAreInnerMostDims(op.String(), axes, x.Rank())
		if err != nil {
			return nil, err
		}
		outShape, reduceShape := shapes.ComputeOutAndReduceShapes(x.Shape(), axes)
		reduceSize := reduceShape.Size()

		out, err := b.MakeOutput(outShape)
		if err != nil {
			return nil, err
		}
		if x.Size() == 0 {
			return []backends.TensorInfo{out}, nil
		}
		outRec, err := b.record(out.DataID)
		if err == nil {
			if exception := exceptions.Try(func() {
				err = b.callBound(op, int64(xRec.id), int64(reduceSize), int64(outRec.id))
			}); exception != nil {
				err = backends.PanicError(exception)
			}
		}
		if err != nil {
			if disposeErr := b.DisposeData(out.DataID); disposeErr != nil {
				err = errors.WithMessagef(err, "also failed to release output: %v", disposeErr)
			}
			return nil, backends.NewKernelExecutionError(op, BackendName, []shapes.Shape{x.Shape()}, outShape, err)
		}
		return []backends.TensorInfo{out}, nil
	}
}
