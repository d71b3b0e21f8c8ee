// Package plugins keeps the set of loaded plugins and which of them are active.
// The captcha manager enumerates active plugins through Registry.ActivePlugins.
package plugins

import (
	"fmt"
	"sync"

	"github.com/guido-cesarano/captchad/pkg/captcha"
	"github.com/guido-cesarano/captchad/pkg/logger"
)

type entry struct {
	plugin captcha.Plugin
	active bool
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds p as an active plugin. Names must be unique.
func (r *Registry) Register(p captcha.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.find(p.Name()) != nil {
		return fmt.Errorf("plugin %q already registered", p.Name())
	}
	r.entries = append(r.entries, &entry{plugin: p, active: true})
	logger.Log.Info().Str("plugin", p.Name()).Msg("Plugin registered")
	return nil
}

// Unregister removes the named plugin. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.plugin.Name() == name {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *Registry) Activate(name string) error {
	return r.setActive(name, true)
}

func (r *Registry) Deactivate(name string) error {
	return r.setActive(name, false)
}

func (r *Registry) setActive(name string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.find(name)
	if e == nil {
		return fmt.Errorf("plugin %q not registered", name)
	}
	e.active = active
	return nil
}

func (r *Registry) find(name string) *entry {
	for _, e := range r.entries {
		if e.plugin.Name() == name {
			return e
		}
	}
	return nil
}

// ActivePlugins returns the active plugins in registration order.
func (r *Registry) ActivePlugins() []captcha.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]captcha.Plugin, 0, len(r.entries))
	for _, e := range r.entries {
		if e.active {
			out = append(out, e.plugin)
		}
	}
	return out
}
