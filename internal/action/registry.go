package action

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

type entry struct {
	action Action
	schema *gojsonschema.Schema
}

// Registry stores actions by unique name. It is safe for concurrent use and
// supports registration and removal at runtime.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{
		actions: map[string]entry{},
	}
}

// Register adds an action and compiles its parameter schema.
func (r *Registry) Register(a Action) error {
	if a == nil {
		return ErrActionNil
	}
	def := a.Schema()
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return ErrActionNameEmpty
	}
	doc, err := def.JSONSchema()
	if err != nil {
		return err
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.actions[name] = entry{action: a, schema: compiled}
	return nil
}

// Unregister removes an action. It reports whether the action was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[name]; !ok {
		return false
	}
	delete(r.actions, name)
	return true
}

func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.actions[name]
	return e.action, ok
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.actions[name]
	return e, ok
}

// Names returns all registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the catalog of registered actions, sorted by name.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.actions))
	for _, e := range r.actions {
		out = append(out, e.action.Schema())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
