package model

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// snapshot is an immutable view of the loaded models. Readers pin one
// snapshot per request, so a concurrent reload never changes the model
// mid-pipeline.
type snapshot struct {
	models  map[string]Model
	current string
}

// Registry holds versioned models behind an atomic pointer. Loads and
// promotions copy-on-write a new snapshot; reads are lock-free.
type Registry struct {
	mu   sync.Mutex // serializes writers only
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{models: map[string]Model{}})
	return r
}

// Load parses an artifact, builds its model, and adds it to the registry.
// The first loaded model becomes current.
func (r *Registry) Load(data []byte) (Model, error) {
	artifact, err := ParseArtifact(data)
	if err != nil {
		return nil, err
	}

	m, err := FromArtifact(artifact)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	next := &snapshot{
		models:  make(map[string]Model, len(old.models)+1),
		current: old.current,
	}
	for v, existing := range old.models {
		next.models[v] = existing
	}
	next.models[m.Version()] = m
	if next.current == "" {
		next.current = m.Version()
	}
	r.snap.Store(next)

	return m, nil
}

// SetCurrent promotes a loaded version to default.
func (r *Registry) SetCurrent(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	if _, ok := old.models[version]; !ok {
		return &domain.ModelNotLoadedError{Version: version}
	}

	next := &snapshot{models: old.models, current: version}
	r.snap.Store(next)
	return nil
}

// Get returns the model for a version, or the current model when version
// is empty.
func (r *Registry) Get(version string) (Model, error) {
	snap := r.snap.Load()

	if version == "" {
		version = snap.current
		if version == "" {
			return nil, &domain.ModelNotLoadedError{}
		}
	}

	m, ok := snap.models[version]
	if !ok {
		return nil, &domain.ModelNotLoadedError{Version: version}
	}
	return m, nil
}

// Current returns the default model.
func (r *Registry) Current() (Model, error) {
	return r.Get("")
}

// CurrentVersion returns the default model version, empty when none.
func (r *Registry) CurrentVersion() string {
	return r.snap.Load().current
}

// Versions returns the loaded versions, sorted.
func (r *Registry) Versions() []string {
	snap := r.snap.Load()
	versions := make([]string, 0, len(snap.models))
	for v := range snap.models {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// Len returns the number of loaded models.
func (r *Registry) Len() int {
	return len(r.snap.Load().models)
}

// String describes the registry state for logs.
func (r *Registry) String() string {
	snap := r.snap.Load()
	return fmt.Sprintf("registry{models: %d, current: %s}", len(snap.models), snap.current)
}
