package provider

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Config carries the settings a Factory needs to build a provider.
type Config struct {
	APIKey        string
	BaseURL       string
	AzureEndpoint string
	APIVersion    string
	Model         string
	Timeout       time.Duration
}

// Factory builds a Provider from configuration.
type Factory func(cfg Config) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a provider constructor available under name.
// Providers register themselves from init.
func RegisterFactory(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// New builds the provider registered under name.
func New(name string, cfg Config) (Provider, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("provider '%s' not found (available: %v)", name, List())
	}
	return factory(cfg)
}

// Has checks if a provider factory is registered
func Has(name string) bool {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// List returns all registered provider names in sorted order
func List() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
