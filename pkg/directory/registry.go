package directory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"pqtor/pkg/config"
)

// StaticHost is the address static mode seeds its relays on.
const StaticHost = "127.0.0.1"

// Registry is the set of known relays keyed by name, kept in insertion
// order. Registrations are serialized; reads may run concurrently.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	routers map[string]*Router
	path    string // JSON persistence, optional
}

// NewRegistry returns an empty registry. If path is non-empty the registry
// is written there after every change.
func NewRegistry(path string) *Registry {
	return &Registry{routers: make(map[string]*Router), path: path}
}

// SeedStatic registers guard, middle and exit on StaticHost with their
// role-derived keys and conventional ports.
func (reg *Registry) SeedStatic() error {
	for _, role := range []string{config.RoleGuard, config.RoleMiddle, config.RoleExit} {
		r, err := StaticRouter(role, role, StaticHost, uint16(config.DefaultRelayPort(role)))
		if err != nil {
			return errors.Wrapf(err, "seed %s", role)
		}
		if _, err := reg.Upsert(r); err != nil {
			return err
		}
	}
	return nil
}

// Upsert adds r or replaces the record with the same name, keeping its
// position. It reports whether the name was new.
func (reg *Registry) Upsert(r *Router) (bool, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	cp := *r
	_, exists := reg.routers[r.Name]
	if !exists {
		reg.order = append(reg.order, r.Name)
	}
	reg.routers[r.Name] = &cp
	return !exists, reg.saveLocked()
}

// List returns a copy of all records in insertion order.
func (reg *Registry) List() []*Router {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]*Router, 0, len(reg.order))
	for _, name := range reg.order {
		cp := *reg.routers[name]
		out = append(out, &cp)
	}
	return out
}

// Len returns the number of records.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.order)
}

// Load reads the persisted registry, if any, and merges it in file order.
// A missing file is not an error.
func (reg *Registry) Load() error {
	if reg.path == "" {
		return nil
	}
	data, err := os.ReadFile(reg.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read registry")
	}

	var routers []*Router
	if err := json.Unmarshal(data, &routers); err != nil {
		return errors.Wrap(err, "unmarshal registry")
	}
	for i, r := range routers {
		if r == nil {
			return errors.Errorf("registry %s: entry %d is null", reg.path, i)
		}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range routers {
		if _, exists := reg.routers[r.Name]; !exists {
			reg.order = append(reg.order, r.Name)
		}
		reg.routers[r.Name] = r
	}
	return nil
}

func (reg *Registry) saveLocked() error {
	if reg.path == "" {
		return nil
	}
	routers := make([]*Router, 0, len(reg.order))
	for _, name := range reg.order {
		routers = append(routers, reg.routers[name])
	}
	data, err := json.MarshalIndent(routers, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal registry")
	}

	if dir := filepath.Dir(reg.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrap(err, "create registry directory")
		}
	}
	tmp := reg.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write registry")
	}
	return errors.Wrap(os.Rename(tmp, reg.path), "replace registry")
}
