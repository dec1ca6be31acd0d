// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterBackend(t *testing.T) {
	r := NewRegistry()
	ctor, _ := fakeConstructor("a")
	require.NoError(t, r.RegisterBackend("a", ctor, 1))
	err := r.RegisterBackend("a", ctor, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateBackend))
	require.Error(t, r.RegisterBackend("", ctor, 1))
	require.Error(t, r.RegisterBackend("b", nil, 1))
}

func TestSetActive(t *testing.T) {
	t.Setenv(ConfigEnvVar, "")
	r := NewRegistry()
	ctorA, createdA := fakeConstructor("a")
	ctorB, createdB := fakeConstructor("b")
	require.NoError(t, r.RegisterBackend("a", ctorA, 1))
	require.NoError(t, r.RegisterBackend("b", ctorB, 2))

	err := r.SetActive("c")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownBackend))

	// Constructors are lazy.
	assert.Empty(t, *createdA)
	assert.Empty(t, *createdB)

	require.NoError(t, r.SetActive("a"))
	active, err := r.Active()
	require.NoError(t, err)
	assert.Equal(t, "a", active.Name())

	// Re-activating keeps the same instance.
	require.NoError(t, r.SetActive("b"))
	require.NoError(t, r.SetActive("a"))
	assert.Len(t, *createdA, 1)
	assert.Len(t, *createdB, 1)

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "b", infos[0].Name)
	assert.False(t, infos[0].Active)
	assert.Equal(t, "a", infos[1].Name)
	assert.True(t, infos[1].Active)
}

func TestActiveDefault(t *testing.T) {
	t.Run("NoBackends", func(t *testing.T) {
		t.Setenv(ConfigEnvVar, "")
		_, err := NewRegistry().Active()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoActiveBackend))
	})

	t.Run("HighestPriority", func(t *testing.T) {
		t.Setenv(ConfigEnvVar, "")
		r := NewRegistry()
		for _, name := range []string{"low", "high", "high2"} {
			ctor, _ := fakeConstructor(name)
			priority := 1
			if name != "low" {
				priority = 5
			}
			require.NoError(t, r.RegisterBackend(name, ctor, priority))
		}
		active, err := r.Active()
		require.NoError(t, err)
		// Ties are broken by order of registration.
		assert.Equal(t, "high", active.Name())
	})

	t.Run("DefaultConfig", func(t *testing.T) {
		t.Setenv(ConfigEnvVar, "")
		r := NewRegistry()
		ctorA, _ := fakeConstructor("a")
		ctorB, createdB := fakeConstructor("b")
		require.NoError(t, r.RegisterBackend("a", ctorA, 10))
		require.NoError(t, r.RegisterBackend("b", ctorB, 1))
		r.DefaultConfig = "b:opt=1"
		active, err := r.Active()
		require.NoError(t, err)
		assert.Equal(t, "b", active.Name())
		require.Len(t, *createdB, 1)
		assert.Equal(t, "opt=1", (*createdB)[0].config)
	})

	t.Run("EnvVar", func(t *testing.T) {
		t.Setenv(ConfigEnvVar, "a:x=2")
		r := NewRegistry()
		ctorA, createdA := fakeConstructor("a")
		ctorB, _ := fakeConstructor("b")
		require.NoError(t, r.RegisterBackend("a", ctorA, 1))
		require.NoError(t, r.RegisterBackend("b", ctorB, 10))
		r.DefaultConfig = "b"
		active, err := r.Active()
		require.NoError(t, err)
		assert.Equal(t, "a", active.Name())
		assert.Equal(t, "x=2", (*createdA)[0].config)
	})

	t.Run("UnknownInConfig", func(t *testing.T) {
		t.Setenv(ConfigEnvVar, "nope")
		r := NewRegistry()
		ctor, _ := fakeConstructor("a")
		require.NoError(t, r.RegisterBackend("a", ctor, 1))
		_, err := r.Active()
		assert.True(t, errors.Is(err, ErrUnknownBackend))
	})
}

func TestSetActiveWithConfig(t *testing.T) {
	t.Setenv(ConfigEnvVar, "")
	r := NewRegistry()
	ctor, created := fakeConstructor("a")
	require.NoError(t, r.RegisterBackend("a", ctor, 1))
	require.NoError(t, r.SetActiveWithConfig("a:k=v"))
	require.Len(t, *created, 1)
	assert.Equal(t, "k=v", (*created)[0].config)
	assert.True(t, errors.Is(r.SetActiveWithConfig("b:k=v"), ErrUnknownBackend))
}

func TestSetupHooks(t *testing.T) {
	t.Setenv(ConfigEnvVar, "")
	r := NewRegistry()
	ctorA, _ := fakeConstructor("a")
	ctorB, _ := fakeConstructor("b")
	require.NoError(t, r.RegisterBackend("a", ctorA, 1))
	require.NoError(t, r.RegisterBackend("b", ctorB, 1))

	var setupCalls []string
	setup := func(backend Backend) error {
		setupCalls = append(setupCalls, backend.Name())
		return nil
	}

	// Registered before activation: runs on activation.
	require.NoError(t, r.RegisterKernel(KernelConfig{Op: OpTypeSum, Backend: "a", Kernel: fakeSumKernel, Setup: setup}))
	assert.Empty(t, setupCalls)
	require.NoError(t, r.SetActive("a"))
	assert.Equal(t, []string{"a"}, setupCalls)

	// Registered after activation: runs immediately, exactly once.
	require.NoError(t, r.RegisterKernel(KernelConfig{Op: OpTypeMin, Backend: "a", Kernel: fakeSumKernel, Setup: setup}))
	assert.Equal(t, []string{"a", "a"}, setupCalls)

	// Kernels of inactive backends are not set up.
	require.NoError(t, r.RegisterKernel(KernelConfig{Op: OpTypeMin, Backend: "b", Kernel: fakeSumKernel, Setup: setup}))
	assert.Len(t, setupCalls, 2)

	// Re-selecting the active backend is a no-op.
	require.NoError(t, r.SetActive("a"))
	assert.Len(t, setupCalls, 2)

	// Switching is a new activation.
	require.NoError(t, r.SetActive("b"))
	assert.Equal(t, []string{"a", "a", "b"}, setupCalls)
	require.NoError(t, r.SetActive("a"))
	assert.Equal(t, []string{"a", "a", "b", "a", "a"}, setupCalls)
}

func TestSetupFailure(t *testing.T) {
	t.Setenv(ConfigEnvVar, "")
	r := NewRegistry()
	ctorA, _ := fakeConstructor("a")
	ctorB, _ := fakeConstructor("b")
	require.NoError(t, r.RegisterBackend("a", ctorA, 1))
	require.NoError(t, r.RegisterBackend("b", ctorB, 1))
	failing := func(Backend) error { return errors.New("no native function") }

	// Failure when registering for the active backend rolls back the registration.
	require.NoError(t, r.SetActive("a"))
	err := r.RegisterKernel(KernelConfig{Op: OpTypeSum, Backend: "a", Kernel: fakeSumKernel, Setup: failing})
	require.ErrorContains(t, err, "no native function")
	assert.Empty(t, r.Kernels())

	// Failure on activation keeps the previous backend active.
	require.NoError(t, r.RegisterKernel(KernelConfig{Op: OpTypeSum, Backend: "b", Kernel: fakeSumKernel, Setup: failing}))
	require.Error(t, r.SetActive("b"))
	active, err := r.Active()
	require.NoError(t, err)
	assert.Equal(t, "a", active.Name())

	// Panics in setup hooks are returned as errors.
	err = r.RegisterKernel(KernelConfig{Op: OpTypeMin, Backend: "a", Kernel: fakeSumKernel,
		Setup: func(Backend) error { panic("boom") }})
	require.ErrorContains(t, err, "boom")
}

func TestCapabilities(t *testing.T) {
	t.Setenv(ConfigEnvVar, "")
	r := NewRegistry()
	ctor, _ := fakeConstructor("a")
	require.NoError(t, r.RegisterBackend("a", ctor, 1))
	require.NoError(t, r.RegisterKernel(KernelConfig{Op: OpTypeSum, Backend: "a", Kernel: fakeSumKernel}))
	caps, err := r.Capabilities("a")
	require.NoError(t, err)
	assert.True(t, caps.Operations[OpTypeSum])
	assert.False(t, caps.Operations[OpTypeMin])
	_, err = r.Capabilities("b")
	assert.True(t, errors.Is(err, ErrUnknownBackend))
}

func TestFinalize(t *testing.T) {
	t.Setenv(ConfigEnvVar, "")
	r := NewRegistry()
	ctor, created := fakeConstructor("a")
	require.NoError(t, r.RegisterBackend("a", ctor, 1))
	backend, err := r.Active()
	require.NoError(t, err)
	_, err = backend.MakeOutput(shapesF64(2, 3))
	require.NoError(t, err)
	_, err = backend.MakeOutput(shapesF64(4))
	require.NoError(t, err)

	require.NoError(t, r.Finalize())
	fake := (*created)[0]
	assert.True(t, fake.finalized)
	assert.Equal(t, 2, fake.freed)
	for _, info := range r.List() {
		assert.False(t, info.Active)
		assert.False(t, info.Created)
	}

	// A new instance is created on next use.
	_, err = r.Active()
	require.NoError(t, err)
	assert.Len(t, *created, 2)
}
