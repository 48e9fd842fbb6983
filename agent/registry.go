// Agent registry.
//
// Information Hiding:
// - Storage and locking hidden
// - Identity and timestamp bookkeeping hidden
// - Preset protection hidden

package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry holds agent definitions in memory. Writes are last-writer-wins.
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Definition
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Definition),
		now:    time.Now,
	}
}

// Register inserts or replaces def by id.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[def.ID] = def.Clone()
}

// Unregister removes an agent. Returns whether one was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.agents[id]
	delete(r.agents, id)
	return exists
}

// Get returns a copy of the agent with the given id.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.agents[id]
	if !exists {
		return Definition{}, false
	}
	return def.Clone(), true
}

// List returns every agent sorted by name.
func (r *Registry) List() []Definition {
	return r.filter(func(Definition) bool { return true })
}

// Presets returns the system-owned agents.
func (r *Registry) Presets() []Definition {
	return r.filter(func(d Definition) bool { return d.IsPreset })
}

// Custom returns user-created agents.
func (r *Registry) Custom() []Definition {
	return r.filter(func(d Definition) bool { return !d.IsPreset })
}

func (r *Registry) filter(keep func(Definition) bool) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Definition, 0, len(r.agents))
	for _, def := range r.agents {
		if keep(def) {
			result = append(result, def.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Create stores a new custom agent with a fresh id and timestamps.
func (r *Registry) Create(def Definition) (Definition, error) {
	def = def.Clone()
	if def.Tools == nil {
		def.Tools = []string{}
	}
	if def.Planning == "" {
		def.Planning = PlanningNone
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}

	now := r.now().UTC()
	def.ID = uuid.NewString()
	def.IsPreset = false
	def.CreatedAt = now
	def.UpdatedAt = now

	r.Register(def)
	return def.Clone(), nil
}

// Update merges patch into a custom agent.
func (r *Registry) Update(id string, patch Patch) (Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.agents[id]
	if !exists {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if current.IsPreset {
		return Definition{}, ErrPresetImmutable
	}

	updated := patch.Apply(current)
	if err := updated.Validate(); err != nil {
		return Definition{}, err
	}
	updated.ID = current.ID
	updated.CreatedAt = current.CreatedAt
	updated.IsPreset = current.IsPreset
	updated.UpdatedAt = r.now().UTC()

	r.agents[id] = updated
	return updated.Clone(), nil
}

// Delete removes a custom agent.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if current.IsPreset {
		return ErrPresetImmutable
	}
	delete(r.agents, id)
	return nil
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
