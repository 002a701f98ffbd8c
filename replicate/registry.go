package replicate

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Constructor builds a driver instance from its raw JSON configuration.
// Construction parses config only; clients are not dialed until Initialize.
type Constructor func(name string, config json.RawMessage) (Replicator, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register installs a driver constructor under |driver|. Driver packages call
// this from init(), so a binary links only the sinks it imports.
func Register(driver string, fn Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[driver] = fn
}

// Drivers lists the registered driver names, sorted.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var out = make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New constructs a named instance of the given driver. An unknown driver is a
// configuration error whose message lists the available drivers.
func New(driver, name string, config json.RawMessage) (Replicator, error) {
	registryMu.RLock()
	var fn, ok = registry[driver]
	registryMu.RUnlock()

	if !ok {
		return nil, ConfigError("new",
			"unknown driver %q (available: %s)", driver, strings.Join(Drivers(), ", "))
	}
	return fn(name, config)
}
