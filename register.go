// Package threadeddest registers the destinations this module ships under
// stable names, so a host pipeline can construct them from configuration
// without importing each destination package.
package threadeddest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dkazarian/threadeddest/pkg/destdrv"
	"github.com/dkazarian/threadeddest/pkg/sqldest"
)

// Destination is the surface a host pipeline drives: lifecycle plus the
// pipe intake.
type Destination interface {
	Start(ctx context.Context)
	Stop()
	Enqueue(msg destdrv.Message)
}

// Constructor builds a destination from the two configuration sources the
// host passes through: a JSON document and a URL-style config argument.
type Constructor func(jsonConfig []byte, configArgument string) (Destination, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// RegisterDestination adds a named destination constructor. Registering a
// name twice panics, mirroring the usual extension-registry contract:
// it's a programmer error that should fail loudly at init.
func RegisterDestination(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("threadeddest: destination %q registered twice", name))
	}
	registry[name] = ctor
}

// NewDestination constructs the destination registered under name.
func NewDestination(name string, jsonConfig []byte, configArgument string) (Destination, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("threadeddest: unknown destination %q (available: %v)", name, Destinations())
	}
	return ctor(jsonConfig, configArgument)
}

// Destinations returns the registered destination names in sorted order.
func Destinations() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterDestination("sql", func(jsonConfig []byte, configArgument string) (Destination, error) {
		return sqldest.New(jsonConfig, configArgument)
	})
}
