package registry

import (
	"errors"
	"sync/atomic"
)

// ErrNotFound is returned for names that are not registered.
var ErrNotFound = errors.New("target not found")

type table struct {
	version uint64
	order   []MiningTarget
	byName  map[string]int
}

// Registry is read concurrently by every component and replaced wholesale
// on reconfiguration. Reads never block.
type Registry struct {
	current atomic.Pointer[table]
}

// New validates targets and builds a registry from them.
func New(targets []MiningTarget) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(targets); err != nil {
		return nil, err
	}
	return r, nil
}

func buildTable(targets []MiningTarget, version uint64) (*table, error) {
	t := &table{
		version: version,
		order:   make([]MiningTarget, 0, len(targets)),
		byName:  make(map[string]int, len(targets)),
	}
	for _, target := range targets {
		if err := target.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byName[target.Name]; dup {
			return nil, &ConfigError{Target: target.Name, Reason: "duplicate name"}
		}
		t.byName[target.Name] = len(t.order)
		t.order = append(t.order, target)
	}
	return t, nil
}

// Replace swaps in a new target set. On error the registry is unchanged.
func (r *Registry) Replace(targets []MiningTarget) error {
	var version uint64 = 1
	if old := r.current.Load(); old != nil {
		version = old.version + 1
	}
	t, err := buildTable(targets, version)
	if err != nil {
		return err
	}
	r.current.Store(t)
	return nil
}

func (r *Registry) load() *table {
	if t := r.current.Load(); t != nil {
		return t
	}
	return &table{}
}

// List returns all targets in configuration order.
func (r *Registry) List() []MiningTarget {
	t := r.load()
	out := make([]MiningTarget, len(t.order))
	copy(out, t.order)
	return out
}

// Get returns a copy of the named target.
func (r *Registry) Get(name string) (MiningTarget, error) {
	t := r.load()
	i, ok := t.byName[name]
	if !ok {
		return MiningTarget{}, ErrNotFound
	}
	return t.order[i], nil
}

func (r *Registry) Contains(name string) bool {
	_, ok := r.load().byName[name]
	return ok
}

func (r *Registry) Len() int {
	return len(r.load().order)
}

// Version increments on every successful Replace.
func (r *Registry) Version() uint64 {
	return r.load().version
}
