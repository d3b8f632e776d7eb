// Package strategy defines the Strategy interface for position strategies,
// a Registry of named strategy constructors, and the Backtester that replays
// a bar series through one of them.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"evbacktest/internal/domain"
	"evbacktest/internal/engine"
)

// Context is everything a strategy sees at one bar.
type Context struct {
	Candle domain.Candle
	// Signal is the normalized mean-reversion value at this bar; NaN when
	// undefined.
	Signal float64
	Ledger engine.LedgerState
}

// Strategy is the interface that all position strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Decide inspects the bar and ledger state and returns the orders to
	// execute and the position to move to. It must not retain ctx.
	Decide(ctx Context) engine.Decision
}

// Factory builds a strategy for the given entry threshold.
type Factory func(threshold float64) (Strategy, error)

// Registry holds named strategy constructors for lookup and enumeration.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a constructor under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// New builds the named strategy. Unknown names are a configuration error.
func (r *Registry) New(name string, threshold float64) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q: %w", name, domain.ErrInvalidConfiguration)
	}
	return f(threshold)
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
