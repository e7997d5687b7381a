package plugin

import (
	"slices"
	"strings"
)

// Registry is an immutable, ordered plugin snapshot safe to share across
// concurrent runs. Names are not required to be unique: Resolve returns the
// first plugin whose trimmed name matches.
type Registry struct {
	plugins []Plugin
}

// NewRegistry snapshots plugins in order. Nil entries are dropped.
func NewRegistry(plugins ...Plugin) *Registry {
	out := make([]Plugin, 0, len(plugins))
	for _, p := range plugins {
		if p != nil {
			out = append(out, p)
		}
	}
	return &Registry{plugins: out}
}

// With returns a new registry with extra plugins appended.
func (r *Registry) With(plugins ...Plugin) *Registry {
	return NewRegistry(append(slices.Clone(r.plugins), plugins...)...)
}

// Resolve finds the first plugin whose trimmed name equals the trimmed name.
func (r *Registry) Resolve(name string) (Plugin, bool) {
	if r == nil {
		return nil, false
	}
	name = strings.TrimSpace(name)
	for _, p := range r.plugins {
		if strings.TrimSpace(p.Name()) == name {
			return p, true
		}
	}
	return nil, false
}

// Plugins returns the snapshot in registration order.
func (r *Registry) Plugins() []Plugin {
	if r == nil {
		return nil
	}
	return slices.Clone(r.plugins)
}

// Names returns plugin names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.Len())
	for _, p := range r.Plugins() {
		names = append(names, p.Name())
	}
	return names
}

// Len returns the number of plugins.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.plugins)
}
