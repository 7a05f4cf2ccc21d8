package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voicesift/pkg/provider/convert"
	"github.com/MrWong99/voicesift/pkg/provider/upload"
	"github.com/MrWong99/voicesift/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	vad        map[string]func(ProviderEntry) (vad.Engine, error)
	converters map[string]func(ProviderEntry) (convert.Converter, error)
	uploaders  map[string]func(ProviderEntry) (upload.Uploader, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:        make(map[string]func(ProviderEntry) (vad.Engine, error)),
		converters: make(map[string]func(ProviderEntry) (convert.Converter, error)),
		uploaders:  make(map[string]func(ProviderEntry) (upload.Uploader, error)),
	}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterConverter registers a converter factory under name.
func (r *Registry) RegisterConverter(name string, factory func(ProviderEntry) (convert.Converter, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[name] = factory
}

// RegisterUploader registers a sample store factory under name.
func (r *Registry) RegisterUploader(name string, factory func(ProviderEntry) (upload.Uploader, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploaders[name] = factory
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return create(r, r.vad, "vad", entry)
}

// CreateConverter instantiates a converter using the factory registered under entry.Name.
func (r *Registry) CreateConverter(entry ProviderEntry) (convert.Converter, error) {
	return create(r, r.converters, "converter", entry)
}

// CreateUploader instantiates a sample store using the factory registered under entry.Name.
func (r *Registry) CreateUploader(entry ProviderEntry) (upload.Uploader, error) {
	return create(r, r.uploaders, "upload", entry)
}

// Names returns the sorted names registered for kind ("vad", "converter"
// or "upload").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "vad":
		names = keys(r.vad)
	case "converter":
		names = keys(r.converters)
	case "upload":
		names = keys(r.uploaders)
	}
	slices.Sort(names)
	return names
}

func create[T any](r *Registry, factories map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
