// Command ironbook runs the matching core as a single TCP service: no
// flags, no required environment variables, no config file. It binds
// 0.0.0.0:9999 for the order-entry protocol and :9090 for Prometheus
// scraping, and serves a fixed bootstrap symbol table until an
// operator control-plane grows one.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"ironbook/internal/config"
	"ironbook/internal/controller"
	"ironbook/internal/metrics"
	ironet "ironbook/internal/net"
	"ironbook/internal/pool"
	"ironbook/internal/wal"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	listenAddr  = "0.0.0.0"
	listenPort  = 9999
	metricsAddr = ":9090"
	walDir      = "./data/wal"
)

// bootstrapSymbols seeds the registry with the symbols this instance
// trades. A real deployment would load this from an operator feed;
// absent one, ironbook ships with a small fixed table so the service
// is usable standalone.
var bootstrapSymbols = []config.Symbol{
	{Symbol: "AAPL", TickSize: 0.01, MinQuantity: 1, MinPrice: 1, MaxPrice: 100000, VolatilityThreshold: 0.2, ReferencePrice: 150},
	{Symbol: "MSFT", TickSize: 0.01, MinQuantity: 1, MinPrice: 1, MaxPrice: 100000, VolatilityThreshold: 0.2, ReferencePrice: 300},
	{Symbol: "GOOG", TickSize: 0.01, MinQuantity: 1, MinPrice: 1, MaxPrice: 100000, VolatilityThreshold: 0.2, ReferencePrice: 140},
}

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	log.Info().Str("instance", uuid.New().String()).Msg("ironbook instance starting")

	if err := run(); err != nil {
		log.Error().Err(err).Msg("ironbook exited with error")
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, err := wal.NewFileSink(walDir)
	if err != nil {
		return err
	}
	defer sink.Close()

	registry := config.NewRegistry()
	orderPool := pool.New()
	ctrl := controller.New(registry, sink, orderPool)

	for _, sym := range bootstrapSymbols {
		if err := ctrl.AddEngineForSymbol(sym); err != nil {
			log.Error().Err(err).Str("symbol", sym.Symbol).Msg("failed to bootstrap symbol")
		}
	}

	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, metricsAddr); err != nil {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	srv := ironet.New(listenAddr, listenPort, ctrl, m)
	log.Info().Str("address", listenAddr).Int("port", listenPort).Msg("ironbook starting")

	return srv.Run(ctx)
}
