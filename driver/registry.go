package driver

import (
	"sort"
	"sync"
)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// Register associates a URL scheme with a Factory. Backends call this from
// an init() function so that importing the backend package for its side
// effect is enough to make the scheme available to New.
func Register(scheme string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("driver: Register called with nil factory for " + scheme)
	}
	if _, dup := registry[scheme]; dup {
		panic("driver: Register called twice for " + scheme)
	}
	registry[scheme] = f
}

func getFactory(scheme string) Factory {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[scheme]
}

// Registered returns the sorted list of registered scheme names.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
