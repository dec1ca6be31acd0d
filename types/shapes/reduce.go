// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"slices"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidAxis is returned when an axis is out of range for the rank of the operand,
	// or when it is repeated.
	ErrInvalidAxis = errors.New("invalid axis")

	// ErrUnsupportedAxisLayout is returned when reduction axes are individually valid, but
	// don't form the contiguous block of inner-most (trailing) axes the kernels require.
	// Callers are expected to transpose the operand before reducing.
	ErrUnsupportedAxisLayout = errors.New("unsupported axis layout")
)

// NormalizeAxes returns a sorted copy of axes with negative values converted to their
// positive equivalent (-1 is the last axis).
//
// It returns an error wrapping ErrInvalidAxis if any axis is out of range or repeated.
func NormalizeAxes(axes []int, rank int) ([]int, error) {
	normalized := make([]int, len(axes))
	for ii, axis := range axes {
		adjusted := axis
		if adjusted < 0 {
			adjusted += rank
		}
		if adjusted < 0 || adjusted >= rank {
			return nil, errors.Wrapf(ErrInvalidAxis, "axis %d out-of-bounds for rank %d (axes=%v)", axis, rank, axes)
		}
		normalized[ii] = adjusted
	}
	slices.Sort(normalized)
	for ii := 1; ii < len(normalized); ii++ {
		if normalized[ii] == normalized[ii-1] {
			return nil, errors.Wrapf(ErrInvalidAxis, "axis %d given more than once (axes=%v, rank=%d)",
				normalized[ii], axes, rank)
		}
	}
	return normalized, nil
}

// AxesAreInnerMostDims returns whether the normalized (sorted, non-negative) axes are exactly
// the last len(axes) axes of a shape of the given rank.
func AxesAreInnerMostDims(axes []int, rank int) bool {
	for ii, axis := range axes {
		if axis != rank-len(axes)+ii {
			return false
		}
	}
	return true
}

// AssertAxesAreInnerMostDims validates the reduction axes of opName for an operand of the given rank,
// and returns them normalized.
//
// Out-of-range or repeated axes return an error wrapping ErrInvalidAxis. Valid axes that are not
// the trailing block of axes return an error wrapping ErrUnsupportedAxisLayout.
func AssertAxesAreInnerMostDims(opName string, axes []int, rank int) ([]int, error) {
	normalized, err := NormalizeAxes(axes, rank)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", opName)
	}
	if !AxesAreInnerMostDims(normalized, rank) {
		return nil, errors.Wrapf(ErrUnsupportedAxisLayout,
			"%s supports only inner-most axes, got axes %v for rank-%d operand", opName, axes, rank)
	}
	return normalized, nil
}

// ComputeOutAndReduceShapes splits the operand shape in the output shape (the axes that are kept)
// and the reduce shape (the axes that are reduced), both with the operand's dtype.
//
// The axes must already be normalized, see NormalizeAxes.
func ComputeOutAndReduceShapes(operand Shape, axes []int) (outShape, reduceShape Shape) {
	outShape = Shape{DType: operand.DType, Dimensions: make([]int, 0, operand.Rank()-len(axes))}
	reduceShape = Shape{DType: operand.DType, Dimensions: make([]int, 0, len(axes))}
	for axis, dim := range operand.Dimensions {
		if slices.Contains(axes, axis) {
			reduceShape.Dimensions = append(reduceShape.Dimensions, dim)
		} else {
			outShape.Dimensions = append(outShape.Dimensions, dim)
		}
	}
	return
}
