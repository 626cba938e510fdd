package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-bridgehost/internal/bridgeconfig"
)

// Plugin is one loaded child bridge.
type Plugin interface {
	// Start publishes the bridge and returns once it accepts connections.
	Start(ctx context.Context, svc Services) error

	// Stop releases everything Start acquired.
	Stop() error
}

// Services are the host facilities available to a plugin.
type Services interface {
	// RequestPort asks the host for a port. ok is false when none is free.
	RequestPort(ctx context.Context, username string) (port int, ok bool, err error)

	// UpdateStatus reports pairing state. Nil means unknown.
	UpdateStatus(paired *bool, setupURI *string)
}

// Setup is what a plugin factory receives.
type Setup struct {
	Type          bridgeconfig.Kind
	Identifier    string
	Configs       []json.RawMessage
	Bridge        bridgeconfig.Bridge
	BridgeOptions bridgeconfig.Bridge
	HostConfig    json.RawMessage
	StoragePath   string
	Logger        Logger
}

// Factory builds a plugin from its setup.
type Factory func(setup Setup) (Plugin, error)

// Registration describes one plugin.
type Registration struct {
	// Name is the plugin name used in "name.Identifier" references.
	Name    string
	Version string

	// Platforms and Accessories are the identifiers the plugin provides.
	Platforms   []string
	Accessories []string

	New Factory
}

// Registry maps plugin names to registrations.
//
// Thread Safety: all methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Registration)}
}

// Register adds a plugin, replacing any earlier one of the same name.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[reg.Name] = reg
}

// Lookup returns the plugin registered under name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.plugins[name]
	return reg, ok
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve finds the plugin providing identifier. An identifier of the form
// "plugin.Identifier" names its plugin directly; a bare identifier is
// matched against every plugin's Platforms or Accessories.
func (r *Registry) Resolve(kind bridgeconfig.Kind, identifier string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := strings.LastIndex(identifier, "."); i > 0 {
		name := identifier[:i]
		if _, ok := r.plugins[name]; ok {
			return name, nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}

	var matches []string
	for name, reg := range r.plugins {
		provided := reg.Platforms
		if kind == bridgeconfig.KindAccessory {
			provided = reg.Accessories
		}
		for _, p := range provided {
			if p == identifier {
				matches = append(matches, name)
				break
			}
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("%w: no plugin provides %s %q", ErrUnknownPlugin, kind, identifier)
	default:
		sort.Strings(matches)
		return "", fmt.Errorf("%w: %s %q is provided by %s", ErrUnknownPlugin, kind, identifier, strings.Join(matches, ", "))
	}
}

// DefaultRegistry holds the plugins compiled into this binary.
var DefaultRegistry = NewRegistry()

// Register adds a plugin to DefaultRegistry.
func Register(reg Registration) {
	DefaultRegistry.Register(reg)
}
