package device

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Factory creates a backend instance.
type Factory func() (Backend, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

func init() {
	Register("cpu", func() (Backend, error) { return NewCPUBackend(), nil })
}

// Register makes a backend available to Create. Names are case-insensitive;
// registering a name again replaces the factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[strings.ToLower(name)] = f
}

// Create instantiates the backend registered under name.
func Create(name string) (Backend, error) {
	registryMu.RLock()
	f, ok := factories[strings.ToLower(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("device: no backend registered for %q", name)
	}
	b, err := f()
	if err != nil {
		return nil, errors.Wrapf(err, "device: create %s", name)
	}
	return b, nil
}

// RegisteredDevices lists the registered backend names, sorted.
func RegisteredDevices() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
