// Package controller routes wire-level requests to the right symbol's
// engine, and remembers which symbol a live orderId belongs to so a
// bare CANCEL/CANCEL_REPLACE (which only names an orderId) can be
// routed without the caller repeating the symbol.
package controller

import (
	"errors"
	"sync"

	"ironbook/internal/common"
	"ironbook/internal/config"
	"ironbook/internal/engine"
	"ironbook/internal/pool"
	"ironbook/internal/wal"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSymbol = errors.New("controller: no engine for symbol")
	ErrSymbolExists  = errors.New("controller: engine already exists for symbol")
	ErrUnknownOrder  = errors.New("controller: unknown orderId")
)

// Controller owns every symbol's engine and the process-wide
// orderId-to-symbol index needed to route cancels.
type Controller struct {
	registry *config.Registry
	sink     wal.Sink
	pool     *pool.OrderPool

	enginesMu sync.RWMutex
	engines   map[string]*engine.Engine

	orderSymbolMu sync.Mutex
	orderSymbol   map[uint64]string
}

// New builds an empty controller. registry and sink are shared across
// every symbol's engine; pool is the shared order object pool.
func New(registry *config.Registry, sink wal.Sink, p *pool.OrderPool) *Controller {
	return &Controller{
		registry:    registry,
		sink:        sink,
		pool:        p,
		engines:     make(map[string]*engine.Engine),
		orderSymbol: make(map[uint64]string),
	}
}

// AddEngineForSymbol registers cfg in the shared registry and starts a
// fresh engine for it. Calling twice for the same symbol leaves the
// existing engine and config untouched and returns ErrSymbolExists.
func (c *Controller) AddEngineForSymbol(cfg config.Symbol) error {
	c.enginesMu.Lock()
	defer c.enginesMu.Unlock()

	if _, exists := c.engines[cfg.Symbol]; exists {
		log.Warn().Str("symbol", cfg.Symbol).Msg("addEngineForSymbol: already have engine for symbol")
		return ErrSymbolExists
	}

	c.registry.Set(cfg)
	c.engines[cfg.Symbol] = engine.New(cfg.Symbol, c.registry, c.sink, c.pool)
	return nil
}

func (c *Controller) engineFor(symbol string) (*engine.Engine, bool) {
	c.enginesMu.RLock()
	defer c.enginesMu.RUnlock()
	e, ok := c.engines[symbol]
	return e, ok
}

// DispatchAdd routes an add request to its symbol's engine and, on
// acceptance, records the orderId->symbol mapping for later cancels.
func (c *Controller) DispatchAdd(req engine.AddRequest) ([]common.Execution, error) {
	e, ok := c.engineFor(req.Symbol)
	if !ok {
		return nil, ErrUnknownSymbol
	}

	execs, err := e.ProcessAdd(req)
	if err == nil {
		c.recordOrderSymbol(req.OrderID, req.Symbol)
	}
	return execs, err
}

// DispatchCancel looks up the order's symbol and forwards to that
// engine.
func (c *Controller) DispatchCancel(orderID, participantID uint64) error {
	symbol, ok := c.findOrderSymbol(orderID)
	if !ok {
		return ErrUnknownOrder
	}
	e, ok := c.engineFor(symbol)
	if !ok {
		return ErrUnknownSymbol
	}
	return e.ProcessCancel(orderID, participantID)
}

// DispatchCancelReplace looks up the order's symbol and forwards to
// that engine.
func (c *Controller) DispatchCancelReplace(orderID uint64, newPrice float64, newQuantity, participantID uint64) ([]common.Execution, error) {
	symbol, ok := c.findOrderSymbol(orderID)
	if !ok {
		return nil, ErrUnknownOrder
	}
	e, ok := c.engineFor(symbol)
	if !ok {
		return nil, ErrUnknownSymbol
	}
	return e.ProcessCancelReplace(orderID, newPrice, newQuantity, participantID)
}

// DispatchSnapshotRequest returns the named symbol's current top of
// book and VWAP last trade price.
func (c *Controller) DispatchSnapshotRequest(symbol string) (bestBid, bestAsk, lastTradePrice float64, err error) {
	e, ok := c.engineFor(symbol)
	if !ok {
		return 0, 0, 0, ErrUnknownSymbol
	}
	bestBid, bestAsk, lastTradePrice = e.SnapshotRequest()
	return
}

// LastTradePrice returns the named symbol's VWAP last trade price.
func (c *Controller) LastTradePrice(symbol string) (float64, error) {
	e, ok := c.engineFor(symbol)
	if !ok {
		return 0, ErrUnknownSymbol
	}
	return e.LastTradePrice(), nil
}

// TopOfBook returns the named symbol's current best bid/ask, as a
// read-only control-plane query independent of DispatchSnapshotRequest.
func (c *Controller) TopOfBook(symbol string) (bestBid, bestAsk float64, err error) {
	e, ok := c.engineFor(symbol)
	if !ok {
		return 0, 0, ErrUnknownSymbol
	}
	bestBid, bestAsk, _ = e.SnapshotRequest()
	return
}

// SymbolForOrder reports which symbol orderId currently belongs to,
// for callers (e.g. the net layer) that need to label a post-cancel
// metric update without re-deriving the routing the controller already
// did on DispatchAdd.
func (c *Controller) SymbolForOrder(orderID uint64) (string, bool) {
	return c.findOrderSymbol(orderID)
}

// Depth returns symbol's current resting order count on each side.
func (c *Controller) Depth(symbol string) (bidCount, askCount uint64, err error) {
	e, ok := c.engineFor(symbol)
	if !ok {
		return 0, 0, ErrUnknownSymbol
	}
	bidCount, askCount = e.Depth()
	return
}

// HaltSymbol halts trading on symbol in the shared registry, for an
// operator-issued HALT command. Returns ErrUnknownSymbol rather than
// halting a symbol that was never registered.
func (c *Controller) HaltSymbol(symbol string) error {
	if _, ok := c.engineFor(symbol); !ok {
		return ErrUnknownSymbol
	}
	c.registry.Halt(symbol)
	return nil
}

// ResumeSymbol resumes trading on symbol in the shared registry, for
// an operator-issued RESUME command.
func (c *Controller) ResumeSymbol(symbol string) error {
	if _, ok := c.engineFor(symbol); !ok {
		return ErrUnknownSymbol
	}
	c.registry.Resume(symbol)
	return nil
}

func (c *Controller) recordOrderSymbol(orderID uint64, symbol string) {
	c.orderSymbolMu.Lock()
	defer c.orderSymbolMu.Unlock()
	c.orderSymbol[orderID] = symbol
}

func (c *Controller) findOrderSymbol(orderID uint64) (string, bool) {
	c.orderSymbolMu.Lock()
	defer c.orderSymbolMu.Unlock()
	symbol, ok := c.orderSymbol[orderID]
	return symbol, ok
}
