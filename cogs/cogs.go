// Package cogs holds the pluggable feature modules a bot can load and the
// static registry that maps configuration-declared cog names to compiled-in
// factories. Unknown names fail configuration validation at startup; there
// is no runtime import-by-string.
package cogs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/perplexistential/twitch-creamery/bot"
)

// Factory builds a cog instance for one bot from its configuration data.
type Factory func(data map[string]any) (bot.Handler, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register adds a factory under a cog name. Called from init in each cog
// file; duplicate names panic because they are a programming error.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("cogs: duplicate registration of %q", name))
	}
	registry[name] = f
}

// Known reports whether a cog name is registered. Used by configuration
// validation.
func Known(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Names returns all registered cog names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New instantiates a registered cog.
func New(name string, data map[string]any) (bot.Handler, error) {
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cogs: unknown cog %q", name)
	}
	h, err := f(data)
	if err != nil {
		return nil, fmt.Errorf("cogs: build %q: %w", name, err)
	}
	return h, nil
}
