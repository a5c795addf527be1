package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/jubensha/pkg/blobstore"
	"github.com/MrWong99/jubensha/pkg/provider/llm"
	"github.com/MrWong99/jubensha/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	llm  map[string]func(ProviderEntry) (llm.Provider, error)
	tts  map[string]func(ProviderEntry) (tts.Provider, error)
	blob map[string]func(BlobConfig) (blobstore.Store, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:  make(map[string]func(ProviderEntry) (llm.Provider, error)),
		tts:  make(map[string]func(ProviderEntry) (tts.Provider, error)),
		blob: make(map[string]func(BlobConfig) (blobstore.Store, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterBlob registers a blob store factory under name.
func (r *Registry) RegisterBlob(name string, factory func(BlobConfig) (blobstore.Store, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blob[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
// Sessions each call this to get their own provider instance.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateBlob instantiates the blob store registered under cfg.Name.
func (r *Registry) CreateBlob(cfg BlobConfig) (blobstore.Store, error) {
	r.mu.RLock()
	factory, ok := r.blob[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: blob/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// Names returns the registered names per provider kind, for startup logging.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{}
	for n := range r.llm {
		out["llm"] = append(out["llm"], n)
	}
	for n := range r.tts {
		out["tts"] = append(out["tts"], n)
	}
	for n := range r.blob {
		out["blob"] = append(out["blob"], n)
	}
	return out
}
