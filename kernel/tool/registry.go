package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
)

// Registry is a mutable, name-keyed tool collection. It is configured
// at caller construction and reconfigured only through explicit
// Add/Remove calls, never concurrently with an in-flight invocation.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry builds a registry from the given tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	byName, err := BuildMap(tools)
	if err != nil {
		return nil, err
	}
	return &Registry{tools: byName}, nil
}

// Add registers one tool. Duplicate names are rejected.
func (r *Registry) Add(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool: tool is nil")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tools == nil {
		r.tools = map[string]Tool{}
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool: duplicate tool %q", name)
	}
	r.tools[name] = t
	return nil
}

// Remove unregisters the named tool. Removing an absent name is a
// no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks up one tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// Declarations returns model-visible declarations for every
// registered tool, sorted by name.
func (r *Registry) Declarations() []model.ToolDefinition {
	return Declarations(r.List())
}
