package programmer

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a backend instance for one session.
type Factory func(cfg Config) Programmer

// Entry describes a registered backend.
type Entry struct {
	Name        string
	Description string
	New         Factory
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Entry{}
)

// Register makes a backend available under name. It panics if name is
// registered twice.
func Register(name, description string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic("programmer: Register called twice for " + name)
	}
	registry[name] = Entry{Name: name, Description: description, New: factory}
}

// New creates the backend registered under name.
func New(name string, cfg Config) (Programmer, error) {
	registryMu.RLock()
	entry, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, &ConfigError{Param: "programmer", Reason: fmt.Sprintf("unknown programmer %q", name)}
	}
	return entry.New(cfg), nil
}

// List returns all registered backends sorted by name.
func List() []Entry {
	registryMu.RLock()
	defer registryMu.RUnlock()

	entries := make([]Entry, 0, len(registry))
	for _, e := range registry {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries
}
