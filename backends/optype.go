// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

// OpType is an enum of the operations kernels can be registered for.
//
// Callers that only have the name of an operation can use OpTypeString (or Registry.DispatchByName).
type OpType int

//go:generate go tool enumer -type=OpType -trimprefix=OpType -output=gen_optype_enumer.go optype.go

const (
	OpTypeInvalid OpType = iota

	// Reductions over the inner-most axes. Inputs: "x". Attributes: "axes" ([]int).
	OpTypeMin
	OpTypeMax
	OpTypeSum
	OpTypeProd

	// OpTypeLast should always be kept the last, it is used as a counter/marker for OpType.
	OpTypeLast
)
