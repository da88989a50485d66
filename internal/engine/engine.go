// Package engine owns one symbol's validation, sequencing and TIF
// policy, driving a book.Book underneath. Everything that depends on
// "what does this symbol allow" lives here; the book only knows price
// and time priority.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"ironbook/internal/book"
	"ironbook/internal/common"
	"ironbook/internal/config"
	"ironbook/internal/pool"
	"ironbook/internal/wal"

	"github.com/rs/zerolog/log"
)

const tickEpsilon = 1e-9

// RejectReason classifies why processAdd/processCancelReplace refused
// an order, for logging and metrics.
type RejectReason string

const (
	RejectBadFields      RejectReason = "BAD_FIELDS"
	RejectMinQuantity    RejectReason = "MIN_QUANTITY"
	RejectTickSize       RejectReason = "TICK_SIZE"
	RejectPriceRange     RejectReason = "PRICE_RANGE"
	RejectVolatilityHalt RejectReason = "VOLATILITY_HALT"
	RejectTradingHalted  RejectReason = "TRADING_HALTED"
	RejectUnknownSymbol  RejectReason = "UNKNOWN_SYMBOL"
	RejectDuplicateOrder RejectReason = "DUPLICATE_ORDER_ID"
	RejectUnknownOrder   RejectReason = "UNKNOWN_ORDER_ID"
	RejectWALFailure     RejectReason = "WAL_FAILURE"
)

// RejectError reports a rejected action along with why, so callers in
// net/protocol can translate it into a NACK reason code.
type RejectError struct {
	Reason RejectReason
}

func (e *RejectError) Error() string { return fmt.Sprintf("rejected: %s", e.Reason) }

func reject(reason RejectReason) error { return &RejectError{Reason: reason} }

// Engine runs one symbol's book behind validation and TIF dispatch.
type Engine struct {
	symbol   string
	registry *config.Registry
	sink     wal.Sink
	pool     *pool.OrderPool
	book     *book.Book
	sequence atomic.Uint64
}

// New builds an engine for symbol. The registry entry for symbol must
// already exist.
func New(symbol string, registry *config.Registry, sink wal.Sink, p *pool.OrderPool) *Engine {
	e := &Engine{symbol: symbol, registry: registry, sink: sink, pool: p}
	e.book = book.New(symbol, e, p)
	return e
}

// NextSequence implements book.ExecutionReporter.
func (e *Engine) NextSequence() uint64 { return e.sequence.Add(1) }

// AppendExecution implements book.ExecutionReporter, durably recording
// a trade before the book applies its effect.
func (e *Engine) AppendExecution(seq, buyOrderID, sellOrderID, buyParticipantID, sellParticipantID uint64, price float64, qty uint64) error {
	return e.sink.Append(seq, wal.KindExecution,
		e.symbol,
		fmt.Sprintf("%d", buyOrderID), fmt.Sprintf("%d", sellOrderID),
		fmt.Sprintf("%d", buyParticipantID), fmt.Sprintf("%d", sellParticipantID),
		fmt.Sprintf("%.8f", price), fmt.Sprintf("%d", qty),
	)
}

// AddRequest carries everything processAdd needs. It is protocol
// agnostic; internal/protocol builds one of these from a wire line.
type AddRequest struct {
	OrderID         uint64
	Side            common.Side
	Symbol          string
	Price           float64
	Quantity        uint64
	ParticipantID   uint64
	TIF             common.TimeInForce
	OrderType       common.OrderType
	TriggerPrice    float64
	VisibleQuantity uint64
}

// ProcessAdd validates req, appends it to the WAL, and dispatches it
// to the TIF-appropriate matching path. Mirrors processAdd's ordering.
func (e *Engine) ProcessAdd(req AddRequest) ([]common.Execution, error) {
	if err := e.validateAdd(req); err != nil {
		return nil, err
	}

	cfg, _ := e.registry.Get(e.symbol)
	if cfg.TradingHalted {
		return nil, reject(RejectTradingHalted)
	}

	seq := e.NextSequence()
	if err := e.sink.Append(seq, wal.KindAdd,
		e.symbol, fmt.Sprintf("%d", req.OrderID), req.Side.String(),
		fmt.Sprintf("%.8f", req.Price), fmt.Sprintf("%d", req.Quantity),
		fmt.Sprintf("%d", req.ParticipantID), req.TIF.String(), req.OrderType.String(),
		fmt.Sprintf("%.8f", req.TriggerPrice), fmt.Sprintf("%d", req.VisibleQuantity),
	); err != nil {
		return nil, fmt.Errorf("engine: wal append add: %w", err)
	}

	o := e.pool.Get()
	o.OrderID = req.OrderID
	o.Side = req.Side
	o.Symbol = req.Symbol
	o.Price = req.Price
	o.Quantity = req.Quantity
	o.TotalQuantity = req.Quantity
	o.Timestamp = time.Now()
	o.ParticipantID = req.ParticipantID
	o.TIF = req.TIF
	o.OrderType = req.OrderType
	o.TriggerPrice = req.TriggerPrice
	o.VisibleQuantity = req.VisibleQuantity

	switch {
	case o.OrderType == common.Market:
		execs, err := e.book.PlaceMarket(o)
		if err != nil {
			return execs, reject(RejectWALFailure)
		}
		return execs, nil
	case o.TIF == common.FOK:
		execs, filled, err := e.book.TryFOK(o)
		if !filled {
			e.pool.Put(o)
		}
		if err != nil {
			return execs, reject(RejectWALFailure)
		}
		return execs, nil
	case o.TIF == common.IOC:
		execs, err := e.book.PlaceLimit(o)
		if err != nil {
			if errors.Is(err, book.ErrDuplicateOrderID) {
				e.pool.Put(o) // the book never took ownership
			}
			return nil, err
		}
		e.book.CancelOrder(o.OrderID, o.ParticipantID) // cancel any unfilled residual
		return execs, nil
	default: // GTC: LIMIT, ICEBERG, STOP_LOSS
		execs, err := e.book.PlaceLimit(o)
		if errors.Is(err, book.ErrDuplicateOrderID) {
			e.pool.Put(o) // the book never took ownership
		}
		return execs, err
	}
}

// ProcessCancel validates and applies a cancel request.
func (e *Engine) ProcessCancel(orderID, participantID uint64) error {
	if orderID == 0 {
		return reject(RejectBadFields)
	}

	seq := e.NextSequence()
	if err := e.sink.Append(seq, wal.KindCancel, e.symbol, fmt.Sprintf("%d", orderID), fmt.Sprintf("%d", participantID)); err != nil {
		return fmt.Errorf("engine: wal append cancel: %w", err)
	}

	if !e.book.CancelOrder(orderID, participantID) {
		return reject(RejectUnknownOrder)
	}
	return nil
}

// ProcessCancelReplace validates, applies a price/quantity replace on
// a resting order, and re-runs matching since the new price may cross.
func (e *Engine) ProcessCancelReplace(orderID uint64, newPrice float64, newQuantity, participantID uint64) ([]common.Execution, error) {
	if orderID == 0 || newPrice <= 0 || newQuantity == 0 {
		return nil, reject(RejectBadFields)
	}
	if !e.tickSizeValid(newPrice) {
		return nil, reject(RejectTickSize)
	}
	if !e.quantityValid(newQuantity) {
		return nil, reject(RejectMinQuantity)
	}
	if !e.priceValidForSymbol(newPrice) {
		return nil, reject(RejectPriceRange)
	}

	seq := e.NextSequence()
	if err := e.sink.Append(seq, wal.KindCancelReplace,
		e.symbol, fmt.Sprintf("%d", orderID), fmt.Sprintf("%.8f", newPrice),
		fmt.Sprintf("%d", newQuantity), fmt.Sprintf("%d", participantID),
	); err != nil {
		return nil, fmt.Errorf("engine: wal append cancel_replace: %w", err)
	}

	if !e.book.ModifyOrder(orderID, newPrice, newQuantity, participantID) {
		return nil, reject(RejectUnknownOrder)
	}
	execs, err := e.book.Match()
	if err != nil {
		return execs, reject(RejectWALFailure)
	}
	return execs, nil
}

// SnapshotRequest returns the current top of book and VWAP last trade
// price for the symbol.
func (e *Engine) SnapshotRequest() (bestBid, bestAsk, lastTradePrice float64) {
	bestBid, bestAsk = e.book.TopOfBook()
	lastTradePrice = e.book.LastTradePrice()
	return
}

// LastTradePrice exposes the book's VWAP last-trade-price query
// directly, for HEARTBEAT-adjacent control-plane reads that don't
// need a full snapshot.
func (e *Engine) LastTradePrice() float64 { return e.book.LastTradePrice() }

// Depth returns the current resting order count on each side of the
// book, for reporting per-symbol book depth.
func (e *Engine) Depth() (bidCount, askCount uint64) { return e.book.Depth() }

func (e *Engine) validateAdd(req AddRequest) error {
	if len(req.Symbol) == 0 || len(req.Symbol) > 7 || req.Quantity == 0 {
		return reject(RejectBadFields)
	}
	if !e.quantityValid(req.Quantity) {
		return reject(RejectMinQuantity)
	}

	if req.OrderType == common.Limit || req.OrderType == common.Iceberg {
		if req.Price <= 0 {
			return reject(RejectBadFields)
		}
		if !e.tickSizeValid(req.Price) {
			return reject(RejectTickSize)
		}
		if !e.priceValidForSymbol(req.Price) {
			return reject(RejectPriceRange)
		}
	}

	if req.OrderType == common.StopLoss && req.TriggerPrice <= 0 {
		return reject(RejectBadFields)
	}

	cfg, ok := e.registry.Get(e.symbol)
	if !ok {
		return reject(RejectUnknownSymbol)
	}
	if cfg.TradingHalted {
		return reject(RejectTradingHalted)
	}
	if e.checkVolatilityHalt(cfg, req) {
		return reject(RejectVolatilityHalt)
	}

	return nil
}

func (e *Engine) priceValidForSymbol(price float64) bool {
	cfg, ok := e.registry.Get(e.symbol)
	if !ok {
		return false
	}
	return price >= cfg.MinPrice && price <= cfg.MaxPrice
}

func (e *Engine) tickSizeValid(price float64) bool {
	cfg, ok := e.registry.Get(e.symbol)
	if !ok || cfg.TickSize <= 0 {
		return false
	}
	ticks := price / cfg.TickSize
	rounded := math.Round(ticks)
	return math.Abs(ticks-rounded) < tickEpsilon
}

func (e *Engine) quantityValid(qty uint64) bool {
	cfg, ok := e.registry.Get(e.symbol)
	if !ok {
		return false
	}
	return qty >= cfg.MinQuantity
}

// checkVolatilityHalt mirrors the original reference price check: a
// LIMIT/ICEBERG order priced too far from the symbol's reference
// price halts the symbol outright rather than just rejecting the one
// order, on the theory that one wild quote usually means more are
// coming. Callers must check cfg.TradingHalted themselves first.
func (e *Engine) checkVolatilityHalt(cfg config.Symbol, req AddRequest) bool {
	if req.OrderType != common.Limit && req.OrderType != common.Iceberg {
		return false
	}
	if cfg.ReferencePrice == 0 {
		return false
	}
	pctChange := math.Abs((req.Price - cfg.ReferencePrice) / cfg.ReferencePrice)
	if pctChange > cfg.VolatilityThreshold {
		e.registry.Halt(e.symbol)
		log.Warn().Str("symbol", e.symbol).Float64("price", req.Price).Msg("volatility halt triggered")
		return true
	}
	return false
}
