// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"slices"

	"github.com/pkg/errors"
)

// Attrs maps the names of the attributes of an operation to their values. E.g.: {"axes": []int{1}}.
type Attrs map[string]any

// Ints returns the named attribute as a list of ints.
//
// It accepts []int, []int32, []int64 or a single int. A missing attribute or one of any other type
// returns an error wrapping ErrInvalidAttribute.
func (a Attrs) Ints(op OpType, name string) ([]int, error) {
	value, found := a[name]
	if !found {
		return nil, errors.Wrapf(ErrInvalidAttribute, "%s: missing attribute %q", op, name)
	}
	switch v := value.(type) {
	case []int:
		return slices.Clone(v), nil
	case []int32:
		return convertInts(v), nil
	case []int64:
		return convertInts(v), nil
	case int:
		return []int{v}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidAttribute, "%s: attribute %q must be a list of ints, got %T", op, name, value)
	}
}

func convertInts[T int32 | int64](values []T) []int {
	result := make([]int, len(values))
	for ii, v := range values {
		result[ii] = int(v)
	}
	return result
}
