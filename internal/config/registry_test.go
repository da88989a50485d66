package config_test

import (
	"testing"

	"ironbook/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySetGet(t *testing.T) {
	r := config.NewRegistry()
	_, ok := r.Get("AAPL")
	require.False(t, ok)

	r.Set(config.Symbol{Symbol: "AAPL", TickSize: 0.01, MinQuantity: 1, MinPrice: 1, MaxPrice: 10000, VolatilityThreshold: 0.5, ReferencePrice: 150})

	cfg, ok := r.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, 0.01, cfg.TickSize)
	assert.False(t, cfg.TradingHalted)
}

func TestRegistryHaltResume(t *testing.T) {
	r := config.NewRegistry()
	r.Set(config.Symbol{Symbol: "AAPL", ReferencePrice: 150})

	r.Halt("AAPL")
	cfg, _ := r.Get("AAPL")
	assert.True(t, cfg.TradingHalted)

	r.Resume("AAPL")
	cfg, _ = r.Get("AAPL")
	assert.False(t, cfg.TradingHalted)
}

func TestRegistryHaltUnknownSymbolIsNoop(t *testing.T) {
	r := config.NewRegistry()
	r.Halt("NOPE")
	_, ok := r.Get("NOPE")
	assert.False(t, ok)
}
