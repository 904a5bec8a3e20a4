package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/orchestra/pkg/api"
)

// registry holds sealed definitions by id and version.
type registry struct {
	mu     sync.RWMutex
	byID   map[string]map[int]*api.Definition
	latest map[string]int
}

func newRegistry() *registry {
	return &registry{
		byID:   make(map[string]map[int]*api.Definition),
		latest: make(map[string]int),
	}
}

// Register seals def and stores it. Versions are immutable once registered.
func (r *registry) Register(def *api.Definition) error {
	if def == nil {
		return &api.ValidationError{Field: "definition", Reason: "must not be nil"}
	}
	if err := def.Seal(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byID[def.ID]
	if versions == nil {
		versions = make(map[int]*api.Definition)
		r.byID[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return fmt.Errorf("definition %q version %d: %w", def.ID, def.Version, api.ErrDefinitionExists)
	}

	versions[def.Version] = def
	if def.Version > r.latest[def.ID] {
		r.latest[def.ID] = def.Version
	}
	return nil
}

// Get returns a definition; version zero resolves to the latest.
func (r *registry) Get(id string, version int) (*api.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byID[id]
	if versions == nil {
		return nil, fmt.Errorf("definition %q: %w", id, api.ErrDefinitionNotFound)
	}
	if version == 0 {
		version = r.latest[id]
	}
	def, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("definition %q version %d: %w", id, version, api.ErrDefinitionNotFound)
	}
	return def, nil
}

// Versions lists the registered versions of id in ascending order.
func (r *registry) Versions(id string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byID[id]
	out := make([]int, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// IDs lists registered definition ids in lexical order.
func (r *registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
