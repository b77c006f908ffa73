package provider

import (
	"fmt"
	"sort"

	"github.com/rezonia/peppol-exchange/internal/model"
)

// Registry holds the adapters available at runtime. It is populated once at
// startup and never mutated afterwards, so lookups need no locking.
type Registry struct {
	adapters map[model.ProviderID]Adapter
	ids      []model.ProviderID
}

// NewRegistry creates a registry from adapters. Later adapters with the same
// id replace earlier ones, which lets tests substitute fakes.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.ProviderID]Adapter, len(adapters))}
	for _, a := range adapters {
		id := a.Descriptor().ID
		if _, exists := r.adapters[id]; !exists {
			r.ids = append(r.ids, id)
		}
		r.adapters[id] = a
	}
	sort.Slice(r.ids, func(i, j int) bool { return r.ids[i] < r.ids[j] })
	return r
}

// Get returns the adapter for a provider
func (r *Registry) Get(id model.ProviderID) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", id, model.ErrNotFound)
	}
	return a, nil
}

// Has reports whether a provider is registered
func (r *Registry) Has(id model.ProviderID) bool {
	_, ok := r.adapters[id]
	return ok
}

// IDs returns registered provider ids in stable order
func (r *Registry) IDs() []model.ProviderID {
	return append([]model.ProviderID(nil), r.ids...)
}

// Descriptors returns all descriptors in stable order
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.adapters[id].Descriptor())
	}
	return out
}
