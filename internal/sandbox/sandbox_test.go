// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	m := must.M1(NewMemory(256, 1024))
	defer func() { require.NoError(t, m.Close()) }()
	assert.Equal(t, 256, m.Size())

	a := must.M1(m.Malloc(10))
	b := must.M1(m.Malloc(17))
	assert.NotZero(t, a)
	assert.Zero(t, a%Alignment)
	assert.Zero(t, b%Alignment)
	assert.Equal(t, a+16, b)
	assert.Equal(t, 48, m.UsedBytes())

	// Freed space is reused and zeroed.
	bytes := must.M1(m.Bytes(a, 10))
	bytes[3] = 7
	require.NoError(t, m.Free(a))
	c := must.M1(m.Malloc(16))
	assert.Equal(t, a, c)
	assert.Equal(t, byte(0), must.M1(m.Bytes(c, 16))[3])
	require.Error(t, m.Free(a+1))

	// Growth preserves contents.
	binary.LittleEndian.PutUint32(must.M1(m.Bytes(b, 4)), 0xdeadbeef)
	big := must.M1(m.Malloc(500))
	assert.Greater(t, m.Size(), 256)
	assert.Equal(t, uint32(0xdeadbeef), binary.LittleEndian.Uint32(must.M1(m.Bytes(b, 4))))
	assert.Zero(t, big%Alignment)

	// Limit.
	_, err := m.Malloc(2048)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfMemory))

	// Coalescing: after freeing everything a block of the whole memory minus the reserved offset fits.
	require.NoError(t, m.Free(b))
	require.NoError(t, m.Free(c))
	require.NoError(t, m.Free(big))
	assert.Equal(t, 0, m.NumAllocations())
	all := must.M1(m.Malloc(m.Size() - Alignment))
	assert.Equal(t, Alignment, all)

	_, err = m.Bytes(m.Size()-4, 8)
	require.Error(t, err)
	_, err = m.Malloc(0)
	require.Error(t, err)
}

func TestNewMemoryLimits(t *testing.T) {
	_, err := NewMemory(1024, 512)
	require.Error(t, err)
	m := must.M1(NewMemory(64, 0))
	_, err = m.Malloc(1 << 20)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	_, err = m.Malloc(16)
	require.Error(t, err)
}

// storeFloat32 allocates a float32 tensor in the module and registers it with the id.
func storeFloat32(t *testing.T, mod *Module, id int32, values []float32) int64 {
	malloc := must.M1(mod.Func("malloc"))
	register := must.M1(mod.Func("register_tensor"))
	offset := must.M1(malloc(int64(4 * len(values))))
	bytes := must.M1(mod.Memory().Bytes(int(offset), 4*len(values)))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(bytes[4*ii:], math.Float32bits(v))
	}
	must.M1(register(int64(id), int64(len(values)), offset, int64(dtypes.Float32)))
	return offset
}

func loadFloat32(t *testing.T, mod *Module, offset int64, n int) []float32 {
	bytes := must.M1(mod.Memory().Bytes(int(offset), 4*n))
	values := make([]float32, n)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(bytes[4*ii:]))
	}
	return values
}

func TestModuleReduce(t *testing.T) {
	mod := must.M1(New(1024, 0))
	defer func() { require.NoError(t, mod.Close()) }()
	assert.Equal(t, []string{"Max", "Min", "Prod", "Sum", "dispose_data", "free", "malloc", "register_tensor"}, mod.Exports())

	storeFloat32(t, mod, 1, []float32{1, 2, 3, 4, 0, 6})
	outOffset := storeFloat32(t, mod, 2, []float32{0, 0})

	want := map[string][]float32{
		"Min":  {1, 0},
		"Max":  {3, 6},
		"Sum":  {6, 10},
		"Prod": {6, 0},
	}
	for name, wantValues := range want {
		fn := must.M1(mod.Func(name))
		_, err := fn(1, 3, 2)
		require.NoErrorf(t, err, "%s", name)
		assert.Equalf(t, wantValues, loadFloat32(t, mod, outOffset, 2), "%s", name)
		assert.Equal(t, 1, mod.NumCalls(name))
	}

	minFn := must.M1(mod.Func("Min"))
	_, err := minFn(1, 2, 2)
	assert.True(t, errors.Is(err, ErrTrap))
	_, err = minFn(1, 3, 99)
	assert.True(t, errors.Is(err, ErrTrap))
	_, err = minFn(1, 3)
	assert.True(t, errors.Is(err, ErrTrap))

	_, err = mod.Func("Transpose")
	assert.True(t, errors.Is(err, ErrUnknownFunction))

	dispose := must.M1(mod.Func("dispose_data"))
	must.M1(dispose(2))
	assert.Equal(t, 1, mod.NumTensors())
	_, err = dispose(2)
	assert.True(t, errors.Is(err, ErrTrap))
	_, err = minFn(1, 3, 2)
	assert.True(t, errors.Is(err, ErrTrap))
}

func TestModuleUnsupportedDType(t *testing.T) {
	mod := must.M1(New(256, 0))
	defer func() { require.NoError(t, mod.Close()) }()
	malloc := must.M1(mod.Func("malloc"))
	register := must.M1(mod.Func("register_tensor"))
	xOffset := must.M1(malloc(4))
	outOffset := must.M1(malloc(1))
	must.M1(register(1, 4, xOffset, int64(dtypes.Bool)))
	must.M1(register(2, 1, outOffset, int64(dtypes.Bool)))
	_, err := register(2, 1, outOffset, int64(dtypes.Bool))
	assert.True(t, errors.Is(err, ErrTrap))

	sum := must.M1(mod.Func("Sum"))
	_, err = sum(1, 4, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTrap))
	assert.ErrorContains(t, err, "not supported")

	// Out of bounds registration.
	_, err = register(3, 1<<20, xOffset, int64(dtypes.Float32))
	assert.True(t, errors.Is(err, ErrTrap))
}
