package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds plugins by type and name. One name may be registered once
// per type.
type Registry struct {
	mu     sync.RWMutex
	byType map[Type]map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[Type]map[string]Descriptor)}
}

// Names are matched with surrounding whitespace removed.
func canonical(name string) string { return strings.TrimSpace(name) }

// Register adds caps under name. caps must implement the interface of t.
func (r *Registry) Register(name string, t Type, caps any) error {
	name = canonical(name)
	if name == "" {
		return ErrEmptyName
	}
	if err := checkCaps(t, caps); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byType[t]
	if m == nil {
		m = make(map[string]Descriptor)
		r.byType[t] = m
	}
	if _, exists := m[name]; exists {
		return fmt.Errorf("%s %q: %w", t, name, ErrDuplicate)
	}
	m[name] = Descriptor{Name: name, Type: t, Caps: caps}
	return nil
}

// Unregister removes name from type t and reports whether it was present.
func (r *Registry) Unregister(name string, t Type) bool {
	name = canonical(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byType[t]
	if _, ok := m[name]; !ok {
		return false
	}
	delete(m, name)
	return true
}

// searchOrder decides which descriptor Find returns when a name is shared
// across types.
var searchOrder = []Type{TypeECU, TypeVisualization, TypeOther}

// Find returns the plugin registered under name, whatever its type.
func (r *Registry) Find(name string) (Descriptor, bool) {
	name = canonical(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range searchOrder {
		if d, ok := r.byType[t][name]; ok {
			return d, true
		}
	}
	return Descriptor{}, false
}

func (r *Registry) lookup(name string, t Type) (Descriptor, error) {
	name = canonical(name)
	r.mu.RLock()
	d, ok := r.byType[t][name]
	r.mu.RUnlock()
	if ok {
		return d, nil
	}
	if other, found := r.Find(name); found {
		return Descriptor{}, fmt.Errorf("%q is %s, not %s: %w", name, other.Type, t, ErrTypeMismatch)
	}
	return Descriptor{}, fmt.Errorf("%s %q: %w", t, name, ErrNotFound)
}

// ECU resolves name to an ECU capability.
func (r *Registry) ECU(name string) (ECU, error) {
	d, err := r.lookup(name, TypeECU)
	if err != nil {
		return nil, err
	}
	return d.ECU()
}

// Visualization resolves name to a visualization capability.
func (r *Registry) Visualization(name string) (Visualization, error) {
	d, err := r.lookup(name, TypeVisualization)
	if err != nil {
		return nil, err
	}
	return d.Visualization()
}

// Info is the status view of a registered plugin.
type Info struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// List returns every registered plugin sorted by type and name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	var out []Info
	for t, m := range r.byType {
		for name := range m {
			out = append(out, Info{Name: name, Type: t})
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	return out
}
