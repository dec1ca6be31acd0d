// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gomlx/kernels/types/shapes"
)

// DataID is an opaque handle to a tensor stored by a backend.
//
// It only has meaning for the DataMap (and hence the backend instance) that created it:
// the same logical tensor on two backends has two unrelated DataIDs. The zero value is invalid.
type DataID struct {
	owner uuid.UUID
	seq   uint64
}

// IsZero returns whether the id is the zero (invalid) DataID.
func (id DataID) IsZero() bool { return id.seq == 0 }

// String implements fmt.Stringer.
func (id DataID) String() string {
	if id.IsZero() {
		return "DataID(invalid)"
	}
	return fmt.Sprintf("DataID(%s#%d)", id.owner.String()[:8], id.seq)
}

// TensorInfo is the logical description of a tensor: the handle to its storage in a backend, and its shape.
//
// It is immutable once created by a backend, and it is what kernels take as inputs and return as outputs.
type TensorInfo struct {
	DataID DataID
	shape  shapes.Shape
}

// NewTensorInfo is used by backends to create the TensorInfo of a newly allocated DataID.
func NewTensorInfo(id DataID, shape shapes.Shape) TensorInfo {
	return TensorInfo{DataID: id, shape: shape.Clone()}
}

// Shape returns a copy of the tensor shape.
func (t TensorInfo) Shape() shapes.Shape { return t.shape.Clone() }

// DType of the tensor.
func (t TensorInfo) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t TensorInfo) Rank() int { return t.shape.Rank() }

// Size is the number of elements of the tensor. It can be 0 for an empty tensor.
func (t TensorInfo) Size() int { return t.shape.Size() }

// String implements fmt.Stringer.
func (t TensorInfo) String() string {
	return fmt.Sprintf("%s%s", t.DataID, t.shape)
}

// Inputs maps the names of the inputs of an operation to their tensors. E.g.: {"x": x}.
type Inputs map[string]TensorInfo

// Get returns the named input, or an error wrapping ErrInvalidInput if it is missing.
func (in Inputs) Get(op OpType, name string) (TensorInfo, error) {
	t, found := in[name]
	if !found {
		return TensorInfo{}, errors.Wrapf(ErrInvalidInput, "%s: missing input %q", op, name)
	}
	return t, nil
}

// Shapes returns the shapes of the inputs, sorted by input name. Used for error messages.
func (in Inputs) Shapes() []shapes.Shape {
	names := slices.Sorted(maps.Keys(in))
	result := make([]shapes.Shape, 0, len(names))
	for _, name := range names {
		result = append(result, in[name].shape)
	}
	return result
}
