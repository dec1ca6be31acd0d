// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// nativeNumber are the types the native reductions are compiled for.
type nativeNumber interface {
	int32 | int64 | uint8 | float32 | float64
}

var (
	reduceMinTable  = makeReduceTable(func(a, b float64) float64 { return min(a, b) }, minOf[int32], minOf[int64], minOf[uint8], minOf[float32])
	reduceMaxTable  = makeReduceTable(func(a, b float64) float64 { return max(a, b) }, maxOf[int32], maxOf[int64], maxOf[uint8], maxOf[float32])
	reduceSumTable  = makeReduceTable(func(a, b float64) float64 { return a + b }, sumOf[int32], sumOf[int64], sumOf[uint8], sumOf[float32])
	reduceProdTable = makeReduceTable(func(a, b float64) float64 { return a * b }, prodOf[int32], prodOf[int64], prodOf[uint8], prodOf[float32])
)

func minOf[T nativeNumber](a, b T) T  { return min(a, b) }
func maxOf[T nativeNumber](a, b T) T  { return max(a, b) }
func sumOf[T nativeNumber](a, b T) T  { return a + b }
func prodOf[T nativeNumber](a, b T) T { return a * b }

func makeReduceTable(f64 func(a, b float64) float64, i32 func(a, b int32) int32, i64 func(a, b int64) int64,
	u8 func(a, b uint8) uint8, f32 func(a, b float32) float32) map[dtypes.DType]reduceFn {
	return map[dtypes.DType]reduceFn{
		dtypes.Float64: reduceGroups(f64),
		dtypes.Float32: reduceGroups(f32),
		dtypes.Int32:   reduceGroups(i32),
		dtypes.Int64:   reduceGroups(i64),
		dtypes.Uint8:   reduceGroups(u8),
	}
}

func reduceGroups[T nativeNumber](combine func(a, b T) T) reduceFn {
	return func(m *Module, x, out nativeTensor, reduceSize int) {
		xValues, outValues := view[T](m, x), view[T](m, out)
		for outIdx := range outValues {
			offset := outIdx * reduceSize
			acc := xValues[offset]
			for _, value := range xValues[offset+1 : offset+reduceSize] {
				acc = combine(acc, value)
			}
			outValues[outIdx] = acc
		}
	}
}
