// Package registry implements C2: a mapping from backend id to adapter
// instance, plus a single designated default backend id. Generalized
// from the prior static ModelAliases/DefaultFallbackOrder tables
// (internal/providers/provider.go) into a real registry of constructed
// adapter instances, keeping an explicit insertion-order slice alongside
// the map so List() and selector tie-breaks are deterministic — ties
// must be broken by registry iteration order, which a plain Go map
// cannot provide on its own.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/pkg/dispatcherr"
)

// Descriptor is the read-only metadata List() returns for one backend.
type Descriptor struct {
	ID        string
	Kind      providers.BackendKind
	IsDefault bool
}

// Registry holds named backends, constructed once at startup. Hot reload
// is out of scope.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]providers.Backend
	order   []string
	defID   string
}

// New returns an empty registry. Register must be called before Get/List
// are meaningful.
func New() *Registry {
	return &Registry{byID: map[string]providers.Backend{}}
}

// Register atomically inserts backend under id. If isDefault is true, or
// this is the first backend registered, it becomes the default.
func (r *Registry) Register(id string, backend providers.Backend, isDefault bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; !exists {
		r.order = append(r.order, id)
	}
	r.byID[id] = backend
	if isDefault || r.defID == "" {
		r.defID = id
	}
}

// Get returns the named backend, or the default if id is empty. Fails
// with NoSuchBackendError if neither is resolvable.
func (r *Registry) Get(id string) (providers.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lookupID := id
	if lookupID == "" {
		lookupID = r.defID
	}
	if lookupID == "" {
		return nil, &dispatcherr.NoSuchBackendError{ID: id}
	}
	b, ok := r.byID[lookupID]
	if !ok {
		return nil, &dispatcherr.NoSuchBackendError{ID: id}
	}
	return b, nil
}

// Has reports whether id is registered, without falling back to default.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// DefaultID returns the current default backend id.
func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defID
}

// List returns read-only descriptors in registry insertion order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, Descriptor{
			ID:        id,
			Kind:      r.byID[id].Kind(),
			IsDefault: id == r.defID,
		})
	}
	return out
}

// OrderedIDs returns backend ids in registry insertion order — the
// iteration order the selector uses to break scoring ties.
func (r *Registry) OrderedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// HealthCheckAll probes every registered backend and returns a map of
// id -> error (nil entries are healthy). Used by the HTTP server's
// background HealthChecker for its per-backend health statuses.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	backends := make(map[string]providers.Backend, len(r.byID))
	for id, b := range r.byID {
		backends[id] = b
	}
	r.mu.RUnlock()

	out := make(map[string]error, len(backends))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for id, b := range backends {
		wg.Add(1)
		go func(id string, b providers.Backend) {
			defer wg.Done()
			err := b.HealthCheck(ctx)
			mu.Lock()
			out[id] = err
			mu.Unlock()
		}(id, b)
	}
	wg.Wait()
	return out
}

func (r *Registry) String() string {
	return fmt.Sprintf("Registry(%d backends, default=%q)", len(r.byID), r.defID)
}
