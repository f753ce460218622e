package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/personaplex/pkg/audio"
)

// ErrBackendNotRegistered is returned by [Registry.CreateAudio] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// AudioFactory constructs an audio backend from its config section.
type AudioFactory func(AudioConfig) (audio.Backend, error)

// Registry maps audio backend names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	audio map[Backend]AudioFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{audio: make(map[Backend]AudioFactory)}
}

// RegisterAudio registers an audio backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name Backend, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateAudio instantiates the backend named by cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Backend, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	b, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create audio backend %q: %w", cfg.Backend, err)
	}
	return b, nil
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Backend, 0, len(r.audio))
	for n := range r.audio {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
