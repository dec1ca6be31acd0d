// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// UncheckedAxis can be used in Check or CheckDims for an axis whose dimension doesn't matter.
const UncheckedAxis = int(-1)

// Check returns an error if the shape doesn't have the given dtype and dimensions.
// Dimensions given as UncheckedAxis only need to exist.
func (s Shape) Check(dtype dtypes.DType, dimensions ...int) error {
	if dtype != s.DType {
		return errors.Errorf("shape %s has dtype %s, wanted %s", s, s.DType, dtype)
	}
	return s.CheckDims(dimensions...)
}

// CheckDims is like Check, but ignores the dtype.
func (s Shape) CheckDims(dimensions ...int) error {
	if s.Rank() != len(dimensions) {
		return errors.Errorf("shape %s has rank %d, wanted dimensions %v", s, s.Rank(), dimensions)
	}
	for axis, dim := range dimensions {
		if dim != UncheckedAxis && s.Dimensions[axis] != dim {
			return errors.Errorf("shape %s has dimension %d on axis %d, wanted dimensions %v",
				s, s.Dimensions[axis], axis, dimensions)
		}
	}
	return nil
}

// CheckSame returns an error if the shape is not exactly the same as want: used by backends to verify that
// the shape in a tensor handle matches the one of the stored data.
func (s Shape) CheckSame(want Shape) error {
	if !s.Ok() || !want.Ok() {
		return errors.Errorf("invalid shape, got %s wanted %s", s, want)
	}
	if s.DType != want.DType || !slices.Equal(s.Dimensions, want.Dimensions) {
		return errors.Errorf("shape %s doesn't match %s", s, want)
	}
	return nil
}
