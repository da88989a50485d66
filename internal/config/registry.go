// Package config holds the Symbol Config Registry: per-symbol
// validation rules and halt state, mutated only by control-plane
// calls and read on every instruction the engine validates.
package config

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Symbol is the per-symbol validation and halt configuration. It is
// created once by addEngineForSymbol and never destroyed for the
// lifetime of the process; only Halt/Resume mutate it afterward.
type Symbol struct {
	Symbol              string
	TickSize            float64
	MinQuantity         uint64
	MinPrice            float64
	MaxPrice            float64
	VolatilityThreshold float64 // fractional deviation from ReferencePrice that halts trading
	ReferencePrice      float64
	TradingHalted       bool
}

// Registry stores one Symbol config per symbol. Every operation is
// individually atomic; there is no multi-key transaction.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]Symbol
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]Symbol)}
}

// Set replaces or inserts the config for symbol.
func (r *Registry) Set(cfg Symbol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.Symbol] = cfg
}

// Get returns the config for symbol and whether it exists.
func (r *Registry) Get(symbol string) (Symbol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[symbol]
	return cfg, ok
}

// Halt flips tradingHalted to true for symbol. Unknown symbols are a
// no-op warning, not an error: halting is advisory control-plane
// input and should never panic a dispatcher racing with a missing
// addEngineForSymbol call.
func (r *Registry) Halt(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[symbol]
	if !ok {
		log.Warn().Str("symbol", symbol).Msg("halt: unknown symbol")
		return
	}
	cfg.TradingHalted = true
	r.configs[symbol] = cfg
}

// Resume flips tradingHalted to false for symbol.
func (r *Registry) Resume(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[symbol]
	if !ok {
		log.Warn().Str("symbol", symbol).Msg("resume: unknown symbol")
		return
	}
	cfg.TradingHalted = false
	r.configs[symbol] = cfg
}
