package oauth

import (
	"sort"

	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/errors"
)

// Registry holds one Manager per configured provider.
type Registry struct {
	managers map[string]*Manager
}

// NewRegistry builds a manager for every provider in the configuration.
func NewRegistry(cfg *config.Config, deps ManagerDeps) *Registry {
	managers := make(map[string]*Manager, len(cfg.Providers))
	for name, pcfg := range cfg.Providers {
		managers[name] = NewManager(name, pcfg, cfg.Refresh, cfg.Cache, deps)
	}
	return &Registry{managers: managers}
}

// ForProvider returns the manager for a provider name.
func (r *Registry) ForProvider(provider string) (*Manager, error) {
	m, ok := r.managers[provider]
	if !ok {
		return nil, &errors.ErrUnknownProvider{Provider: provider}
	}
	return m, nil
}

// Providers returns the configured provider names, sorted.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.managers))
	for name := range r.managers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every manager.
func (r *Registry) All() []*Manager {
	out := make([]*Manager, 0, len(r.managers))
	for _, name := range r.Providers() {
		out = append(out, r.managers[name])
	}
	return out
}

// Start launches every manager's janitor.
func (r *Registry) Start() {
	for _, m := range r.managers {
		m.Start()
	}
}

// Stop halts every manager's janitor.
func (r *Registry) Stop() {
	for _, m := range r.managers {
		m.Stop()
	}
}
