// Package common holds the value types shared by every layer of the
// matching core: the book, the engine, the controller and the wire
// protocol all operate on these types without owning them.
package common

import (
	"fmt"
	"time"
)

// Side is which way an order crosses the book.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// TimeInForce governs how long an order may live unmatched.
type TimeInForce uint8

const (
	GTC TimeInForce = iota // Good Till Cancel
	IOC                    // Immediate Or Cancel
	FOK                    // Fill Or Kill
)

func (t TimeInForce) String() string {
	switch t {
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	default:
		return "GTC"
	}
}

// OrderType selects how the order rests and matches.
type OrderType uint8

const (
	Limit OrderType = iota
	Market
	StopLoss
	Iceberg
)

func (o OrderType) String() string {
	switch o {
	case Market:
		return "MARKET"
	case StopLoss:
		return "STOP_LOSS"
	case Iceberg:
		return "ICEBERG"
	default:
		return "LIMIT"
	}
}

// Order is a resting or in-flight instruction. Ownership is held by
// exactly one of: a price-level queue, the stop-order index, or the
// transient local state of the function currently matching it. The
// book's orderLookup index holds a non-owning reference to the same
// value and must be cleared atomically with whichever of those
// structures releases it.
type Order struct {
	OrderID         uint64
	Side            Side
	Symbol          string
	Price           float64 // 0 for MARKET
	Quantity        uint64  // remaining
	TotalQuantity   uint64  // initial size, immutable except by CANCEL_REPLACE
	Timestamp       time.Time
	ParticipantID   uint64
	TIF             TimeInForce
	OrderType       OrderType
	TriggerPrice    float64 // STOP_LOSS only
	VisibleQuantity uint64  // ICEBERG only: cap on the currently exposed slice
	HiddenRemaining uint64  // ICEBERG only: reserve not yet exposed

	// triggeredThisCycle stops a stop order activated during one
	// stop-trigger fixed-point iteration (book.Book.triggerStops) from
	// being reconsidered within that same iteration.
	triggeredThisCycle bool
}

// Reset clears an Order so the pool can hand it to a new occupant
// without leaking the previous one's state.
func (o *Order) Reset() { *o = Order{} }

// MarkTriggered flags that this order fired during the current
// stop-trigger cycle.
func (o *Order) MarkTriggered() { o.triggeredThisCycle = true }

// Triggered reports whether MarkTriggered was called this cycle.
func (o *Order) Triggered() bool { return o.triggeredThisCycle }

func (o Order) String() string {
	return fmt.Sprintf(
		"orderId=%d side=%s symbol=%s price=%.4f qty=%d/%d tif=%s type=%s participant=%d ts=%s",
		o.OrderID, o.Side, o.Symbol, o.Price, o.Quantity, o.TotalQuantity,
		o.TIF, o.OrderType, o.ParticipantID, o.Timestamp.Format(time.RFC3339Nano),
	)
}
