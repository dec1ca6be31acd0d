// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/kernels/types/shapes"
)

func TestSplitConfig(t *testing.T) {
	name, config := SplitConfig("cpu:parallelism=2")
	assert.Equal(t, "cpu", name)
	assert.Equal(t, "parallelism=2", config)
	name, config = SplitConfig("linear")
	assert.Equal(t, "linear", name)
	assert.Empty(t, config)
}

func TestParseOptions(t *testing.T) {
	options, err := ParseOptions(" memory=64MiB, max_memory = 1GiB ,verbose,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"memory": "64MiB", "max_memory": "1GiB", "verbose": ""}, options)

	options, err = ParseOptions("")
	require.NoError(t, err)
	assert.Empty(t, options)

	_, err = ParseOptions("=3")
	require.Error(t, err)
	_, err = ParseOptions("a=1,a=2")
	require.Error(t, err)
}

func TestAttrsInts(t *testing.T) {
	for _, value := range []any{[]int{1, -1}, []int32{1, -1}, []int64{1, -1}} {
		axes, err := Attrs{"axes": value}.Ints(OpTypeMin, "axes")
		require.NoError(t, err)
		assert.Equal(t, []int{1, -1}, axes)
	}
	axes, err := Attrs{"axes": 2}.Ints(OpTypeMin, "axes")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, axes)

	_, err = Attrs{}.Ints(OpTypeMin, "axes")
	assert.True(t, errors.Is(err, ErrInvalidAttribute))
	_, err = Attrs{"axes": "1"}.Ints(OpTypeMin, "axes")
	assert.True(t, errors.Is(err, ErrInvalidAttribute))
}

func TestKernelExecutionError(t *testing.T) {
	cause := errors.New("native Min returned -1")
	err := error(NewKernelExecutionError(OpTypeMin, "linear",
		[]shapes.Shape{shapes.Make(dtypes.Bool, 2, 3)}, shapes.Make(dtypes.Bool, 2), cause))
	assert.True(t, errors.Is(err, ErrKernelExecution))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, `kernel execution failed: Min on backend "linear" (inputs=[(Bool)[2 3]], output=(Bool)[2]): native Min returned -1`,
		err.Error())

	wrapped := errors.WithMessage(err, "context")
	var execErr *KernelExecutionError
	require.True(t, errors.As(wrapped, &execErr))
	assert.Equal(t, "linear", execErr.Backend)
}

func TestOpType(t *testing.T) {
	assert.Equal(t, "Min", OpTypeMin.String())
	op, err := OpTypeString("Prod")
	require.NoError(t, err)
	assert.Equal(t, OpTypeProd, op)
	_, err = OpTypeString("Transpose")
	require.Error(t, err)
	assert.False(t, OpType(100).IsAOpType())
}

func TestTensorInfo(t *testing.T) {
	m := NewDataMap[int]("test", nil)
	shape := shapes.Make(dtypes.Float32, 4, 0)
	info := NewTensorInfo(m.Add(0), shape)
	assert.Equal(t, 0, info.Size())
	assert.Equal(t, 2, info.Rank())
	assert.Equal(t, dtypes.Float32, info.DType())
	assert.True(t, info.Shape().Equal(shape))

	x := NewTensorInfo(m.Add(1), shapes.Make(dtypes.Int32, 3))
	inputs := Inputs{"y": info, "x": x}
	got := inputs.Shapes()
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(x.Shape()))
	_, err := inputs.Get(OpTypeMin, "z")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}
