// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"

	"github.com/gomlx/kernels/backends"
	"github.com/gomlx/kernels/internal/workerspool"
	"github.com/gomlx/kernels/types/shapes"
)

// minParallelSize is the number of input elements from which the reductions are split among the workers.
const minParallelSize = 32 * 1024

var (
	reduceMinDispatcher  = NewDTypeDispatcher("ReduceMin")
	reduceMaxDispatcher  = NewDTypeDispatcher("ReduceMax")
	reduceSumDispatcher  = NewDTypeDispatcher("ReduceSum")
	reduceProdDispatcher = NewDTypeDispatcher("ReduceProd")
)

func init() {
	registerReducePOD[int8](dtypes.Int8)
	registerReducePOD[int16](dtypes.Int16)
	registerReducePOD[int32](dtypes.Int32)
	registerReducePOD[int64](dtypes.Int64)
	registerReducePOD[uint8](dtypes.Uint8)
	registerReducePOD[uint16](dtypes.Uint16)
	registerReducePOD[uint32](dtypes.Uint32)
	registerReducePOD[uint64](dtypes.Uint64)
	registerReducePOD[float32](dtypes.Float32)
	registerReducePOD[float64](dtypes.Float64)
	registerReduceHalf(dtypes.Float16, float16.Float16.Float32, float16.Fromfloat32)
	registerReduceHalf(dtypes.BFloat16, bfloat16.BFloat16.Float32, bfloat16.FromFloat32)
}

// Kernels returns the kernel registrations of the cpu backend.
func Kernels() []backends.KernelConfig {
	return []backends.KernelConfig{
		{Op: backends.OpTypeMin, Backend: BackendName, Kernel: reduceKernel(backends.OpTypeMin, reduceMinDispatcher)},
		{Op: backends.OpTypeMax, Backend: BackendName, Kernel: reduceKernel(backends.OpTypeMax, reduceMaxDispatcher)},
		{Op: backends.OpTypeSum, Backend: BackendName, Kernel: reduceKernel(backends.OpTypeSum, reduceSumDispatcher)},
		{Op: backends.OpTypeProd, Backend: BackendName, Kernel: reduceKernel(backends.OpTypeProd, reduceProdDispatcher)},
	}
}

// reduceKernel returns the kernel for a reduction over the inner-most axes of the input "x",
// given by the attribute "axes".
func reduceKernel(op backends.OpType, dispatcher *DTypeDispatcher) backends.KernelFunc {
	return func(backend backends.Backend, inputs backends.Inputs, attrs backends.Attrs) ([]backends.TensorInfo, error) {
		b, ok := backend.(*Backend)
		if !ok {
			return nil, errors.Errorf("%s: kernel for backend %q called with backend %q", op, BackendName, backend.Name())
		}
		x, err := inputs.Get(op, "x")
		if err != nil {
			return nil, err
		}
		xBuf, err := b.Buffer(x.DataID)
		if err != nil {
			return nil, err
		}
		if err := x.Shape().CheckSame(xBuf.shape); err != nil {
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
		outBuf, err := b.Buffer(out.DataID)
		if err == nil {
			if exception := exceptions.Try(func() {
				dispatcher.Dispatch(x.DType(), xBuf, outBuf, reduceSize, b.workers)
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

// parallelGroups calls fn over ranges of the output groups [0, numGroups), using the workers if the
// input is large enough.
func parallelGroups(workers *workerspool.Pool, numGroups, reduceSize int, fn func(start, end int)) {
	if numGroups*reduceSize < minParallelSize {
		fn(0, numGroups)
		return
	}
	workers.ParallelFor(numGroups, max(1, minParallelSize/reduceSize), fn)
}

func registerReducePOD[T constraints.Integer | constraints.Float](dtype dtypes.DType) {
	reduceMinDispatcher.Register(dtype, execReduceGeneric(func(a, b T) T { return min(a, b) }))
	reduceMaxDispatcher.Register(dtype, execReduceGeneric(func(a, b T) T { return max(a, b) }))
	reduceSumDispatcher.Register(dtype, execReduceGeneric(func(a, b T) T { return a + b }))
	reduceProdDispatcher.Register(dtype, execReduceGeneric(func(a, b T) T { return a * b }))
}

// execReduceGeneric returns the reduction of each consecutive group of reduceSize values of the operand
// into the corresponding output value, using combine.
//
// Parameters: operand and output buffers, the reduceSize and the workers pool.
func execReduceGeneric[T constraints.Integer | constraints.Float](combine func(a, b T) T) FuncForDispatcher {
	return func(params ...any) {
		operandFlat := params[0].(*Buffer).flat.([]T)
		outputFlat := params[1].(*Buffer).flat.([]T)
		reduceSize, workers := params[2].(int), params[3].(*workerspool.Pool)
		parallelGroups(workers, len(outputFlat), reduceSize, func(start, end int) {
			for outputIdx := start; outputIdx < end; outputIdx++ {
				group := operandFlat[outputIdx*reduceSize : (outputIdx+1)*reduceSize]
				acc := group[0]
				for _, value := range group[1:] {
					acc = combine(acc, value)
				}
				outputFlat[outputIdx] = acc
			}
		})
	}
}

// Float16 and BFloat16 are reduced in float32, and converted back at the end of each group.

func registerReduceHalf[T float16.Float16 | bfloat16.BFloat16](dtype dtypes.DType, toFloat32 func(T) float32, fromFloat32 func(float32) T) {
	reduceMinDispatcher.Register(dtype, execReduceHalf(toFloat32, fromFloat32, func(a, b float32) float32 { return min(a, b) }))
	reduceMaxDispatcher.Register(dtype, execReduceHalf(toFloat32, fromFloat32, func(a, b float32) float32 { return max(a, b) }))
	reduceSumDispatcher.Register(dtype, execReduceHalf(toFloat32, fromFloat32, func(a, b float32) float32 { return a + b }))
	reduceProdDispatcher.Register(dtype, execReduceHalf(toFloat32, fromFloat32, func(a, b float32) float32 { return a * b }))
}

func execReduceHalf[T float16.Float16 | bfloat16.BFloat16](toFloat32 func(T) float32, fromFloat32 func(float32) T,
	combine func(a, b float32) float32) FuncForDispatcher {
	return func(params ...any) {
		operandFlat := params[0].(*Buffer).flat.([]T)
		outputFlat := params[1].(*Buffer).flat.([]T)
		reduceSize, workers := params[2].(int), params[3].(*workerspool.Pool)
		parallelGroups(workers, len(outputFlat), reduceSize, func(start, end int) {
			for outputIdx := start; outputIdx < end; outputIdx++ {
				group := operandFlat[outputIdx*reduceSize : (outputIdx+1)*reduceSize]
				acc := toFloat32(group[0])
				for _, value := range group[1:] {
					acc = combine(acc, toFloat32(value))
				}
				outputFlat[outputIdx] = fromFloat32(acc)
			}
		})
	}
}
