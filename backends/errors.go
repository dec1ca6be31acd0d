// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/kernels/types/shapes"
)

// Errors returned by the registries, the data maps and the kernels.
//
// They are always wrapped with more context, use errors.Is to check for them.
var (
	ErrDuplicateBackend = errors.New("backend already registered")
	ErrUnknownBackend   = errors.New("unknown backend")
	ErrNoActiveBackend  = errors.New("no active backend")
	ErrDuplicateKernel  = errors.New("kernel already registered")
	ErrKernelNotFound   = errors.New("kernel not found")
	ErrInvalidDataID    = errors.New("invalid data id")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidAttribute = errors.New("invalid attribute")
	ErrKernelExecution  = errors.New("kernel execution failed")
)

// KernelExecutionError is returned when the backend-native compute of a kernel fails.
//
// It carries the operation and shapes involved for diagnostics, errors.Is(err, ErrKernelExecution)
// holds for it, and it unwraps to the underlying cause.
type KernelExecutionError struct {
	Op          OpType
	Backend     string
	InputShapes []shapes.Shape
	OutputShape shapes.Shape
	Err         error
}

// NewKernelExecutionError creates a KernelExecutionError for the op run on the backend.
// The output shape may be shapes.Invalid() if it was not yet computed.
func NewKernelExecutionError(op OpType, backend string, inputs []shapes.Shape, output shapes.Shape, cause error) *KernelExecutionError {
	return &KernelExecutionError{
		Op:          op,
		Backend:     backend,
		InputShapes: inputs,
		OutputShape: output,
		Err:         cause,
	}
}

// Error implements error.
func (e *KernelExecutionError) Error() string {
	parts := make([]string, 0, len(e.InputShapes))
	for _, s := range e.InputShapes {
		parts = append(parts, s.String())
	}
	msg := fmt.Sprintf("%s: %s on backend %q (inputs=[%s]", ErrKernelExecution, e.Op, e.Backend, strings.Join(parts, ", "))
	if e.OutputShape.Ok() {
		msg += fmt.Sprintf(", output=%s", e.OutputShape)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the cause of the failure.
func (e *KernelExecutionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrKernelExecution) true.
func (e *KernelExecutionError) Is(target error) bool { return target == ErrKernelExecution }

// PanicError converts the value of a recovered panic (e.g. from exceptions.Try) to an error.
// Errors are returned as is.
func PanicError(exception any) error {
	if err, ok := exception.(error); ok {
		return err
	}
	return errors.Errorf("panic: %v", exception)
}
