// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"cmp"
	"os"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Registry is an execution context holding the registered backends and kernels, and the one active backend
// operations are dispatched to.
//
// The lifecycle is: register backends and kernels; select the active backend (explicitly with SetActive, or
// lazily on first use); dispatch operations; and finally Finalize, which releases all the backends' data.
//
// Registration and activation are safe for concurrent use, but switching the active backend while a
// dispatch is in flight is undefined: the caller must prevent it.
type Registry struct {
	// DefaultConfig is the configuration used to select the backend if one was not selected explicitly,
	// and the environment variable ConfigEnvVar is not set.
	//
	// The format of config is "<backend_name>[:<backend_configuration>]". If empty, the registered backend
	// with the highest priority is used.
	DefaultConfig string

	mu            sync.Mutex
	backends      map[string]*backendEntry
	numRegistered int
	active        *backendEntry
	kernels       map[kernelKey]*KernelConfig
}

type backendEntry struct {
	name        string
	constructor Constructor
	priority    int
	order       int // Order of registration, used to break ties in priority.
	config      string
	instance    Backend
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]*backendEntry),
		kernels:  make(map[kernelKey]*KernelConfig),
	}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process default Registry, used by backends to register themselves
// during their package initialization.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// RegisterBackend with the given name, constructor and priority.
//
// The constructor is only called when the backend is first activated (or requested with Backend).
// If no backend is explicitly selected, the one with the highest priority becomes the active backend.
//
// It fails with ErrDuplicateBackend if the name is already registered.
func (r *Registry) RegisterBackend(name string, constructor Constructor, priority int) error {
	if name == "" || constructor == nil {
		return errors.Errorf("RegisterBackend(%q): name and constructor must be given", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.backends[name]; found {
		return errors.Wrapf(ErrDuplicateBackend, "RegisterBackend(%q)", name)
	}
	r.numRegistered++
	r.backends[name] = &backendEntry{
		name:        name,
		constructor: constructor,
		priority:    priority,
		order:       r.numRegistered,
	}
	klog.V(1).Infof("backends: registered %q with priority %d", name, priority)
	return nil
}

// SetActive makes the named backend the active one, creating it with its constructor if not created yet.
//
// Every setup hook of the kernels registered for the backend is run once for this activation.
// Selecting the backend that is already active is a no-op.
//
// It fails with ErrUnknownBackend if no backend was registered with the name.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, found := r.backends[name]
	if !found {
		return errors.Wrapf(ErrUnknownBackend, "SetActive(%q)", name)
	}
	return r.lockedActivate(entry, r.lockedConfigFor(name))
}

// SetActiveWithConfig is like SetActive, but takes a configuration in the format
// "<backend_name>[:<backend_configuration>]", and the backend configuration is passed along
// to the backend constructor.
//
// The configuration is ignored if the backend instance was already created.
func (r *Registry) SetActiveWithConfig(config string) error {
	name, backendConfig := SplitConfig(config)
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, found := r.backends[name]
	if !found {
		return errors.Wrapf(ErrUnknownBackend, "SetActiveWithConfig(%q)", config)
	}
	return r.lockedActivate(entry, backendConfig)
}

// lockedConfigFor returns the backend configuration for the named backend, if the default
// configuration (ConfigEnvVar or DefaultConfig) refers to it.
//
// It must be called with Registry.mu locked.
func (r *Registry) lockedConfigFor(name string) string {
	configName, backendConfig := SplitConfig(r.lockedDefaultConfig())
	if configName == name {
		return backendConfig
	}
	return ""
}

// lockedDefaultConfig returns the default configuration: from the environment variable ConfigEnvVar,
// or from DefaultConfig.
//
// It must be called with Registry.mu locked.
func (r *Registry) lockedDefaultConfig() string {
	if config, found := os.LookupEnv(ConfigEnvVar); found && config != "" {
		return config
	}
	return r.DefaultConfig
}

// lockedInstance returns the backend instance of the entry, creating it if needed.
//
// It must be called with Registry.mu locked.
func (r *Registry) lockedInstance(entry *backendEntry, config string) (Backend, error) {
	if entry.instance != nil {
		if config != "" && config != entry.config {
			klog.Warningf("backends: backend %q already created with config %q, ignoring new config %q",
				entry.name, entry.config, config)
		}
		return entry.instance, nil
	}
	backend, err := entry.constructor(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q (config %q)", entry.name, config)
	}
	if backend == nil {
		return nil, errors.Errorf("constructor of backend %q returned nil", entry.name)
	}
	entry.instance = backend
	entry.config = config
	klog.V(1).Infof("backends: created backend %q: %s", entry.name, backend.Description())
	return backend, nil
}

// lockedActivate makes the entry the active backend and runs the setup hooks of its kernels.
// If a setup hook fails, the previously active backend is restored.
//
// It must be called with Registry.mu locked.
func (r *Registry) lockedActivate(entry *backendEntry, config string) error {
	if r.active == entry {
		return nil
	}
	backend, err := r.lockedInstance(entry, config)
	if err != nil {
		return err
	}
	previous := r.active
	r.active = entry
	for _, kernel := range r.lockedKernelsFor(entry.name) {
		if err := runSetup(kernel, backend); err != nil {
			r.active = previous
			return err
		}
	}
	activationsTotal.WithLabelValues(entry.name).Inc()
	klog.V(1).Infof("backends: activated backend %q", entry.name)
	return nil
}

// Active returns the active backend.
//
// If no backend was selected yet, it activates the one given by the default configuration
// (ConfigEnvVar or DefaultConfig), or else the registered backend with the highest priority.
//
// It fails with ErrNoActiveBackend if no backend was registered.
func (r *Registry) Active() (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, err := r.lockedActive()
	if err != nil {
		return nil, err
	}
	return entry.instance, nil
}

// lockedActive returns the active backend entry, activating the default one if needed.
//
// It must be called with Registry.mu locked.
func (r *Registry) lockedActive() (*backendEntry, error) {
	if r.active != nil {
		return r.active, nil
	}
	if len(r.backends) == 0 {
		return nil, errors.Wrap(ErrNoActiveBackend, "no backends registered, maybe import one with "+
			`import _ "github.com/gomlx/kernels/backends/cpu"?`)
	}
	config := r.lockedDefaultConfig()
	var entry *backendEntry
	if config != "" {
		name, _ := SplitConfig(config)
		var found bool
		entry, found = r.backends[name]
		if !found {
			return nil, errors.Wrapf(ErrUnknownBackend, "default configuration %q", config)
		}
	} else {
		entry = r.lockedSortedEntries()[0]
	}
	if err := r.lockedActivate(entry, r.lockedConfigFor(entry.name)); err != nil {
		return nil, err
	}
	return entry, nil
}

// lockedSortedEntries returns the backend entries sorted by priority (highest first), and then
// by order of registration.
//
// It must be called with Registry.mu locked.
func (r *Registry) lockedSortedEntries() []*backendEntry {
	entries := make([]*backendEntry, 0, len(r.backends))
	for _, entry := range r.backends {
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b *backendEntry) int {
		if c := cmp.Compare(b.priority, a.priority); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})
	return entries
}

// Backend returns the instance of the named backend, creating it if needed, without making it active.
//
// It fails with ErrUnknownBackend if no backend was registered with the name.
func (r *Registry) Backend(name string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, found := r.backends[name]
	if !found {
		return nil, errors.Wrapf(ErrUnknownBackend, "Backend(%q)", name)
	}
	return r.lockedInstance(entry, r.lockedConfigFor(name))
}

// BackendInfo describes a registered backend.
type BackendInfo struct {
	Name     string
	Priority int
	Active   bool

	// Created indicates whether the backend instance was already created.
	Created bool
}

// List returns the registered backends sorted by priority (highest first).
func (r *Registry) List() []BackendInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.lockedSortedEntries()
	infos := make([]BackendInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, BackendInfo{
			Name:     entry.name,
			Priority: entry.priority,
			Active:   entry == r.active,
			Created:  entry.instance != nil,
		})
	}
	return infos
}

// Capabilities returns the capabilities of the named backend, with the operations for which
// a kernel is registered.
func (r *Registry) Capabilities(name string) (Capabilities, error) {
	backend, err := r.Backend(name)
	if err != nil {
		return Capabilities{}, err
	}
	caps := backend.Capabilities().Clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kernel := range r.lockedKernelsFor(name) {
		caps.Operations[kernel.Op] = true
	}
	return caps, nil
}

// Finalize releases all the backend instances (and hence all their tensors) and clears the active backend.
//
// Backends and kernels remain registered, and a new backend instance will be created on next use.
// It attempts to finalize all backends, even if some fail: the first error is returned, the others are logged.
func (r *Registry) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, entry := range r.lockedSortedEntries() {
		if entry.instance == nil {
			continue
		}
		if err := entry.instance.Finalize(); err != nil {
			err = errors.WithMessagef(err, "failed to finalize backend %q", entry.name)
			if firstErr == nil {
				firstErr = err
			} else {
				klog.Warningf("backends: %v", err)
			}
		}
		entry.instance = nil
		entry.config = ""
		klog.V(1).Infof("backends: finalized backend %q", entry.name)
	}
	r.active = nil
	return firstErr
}
