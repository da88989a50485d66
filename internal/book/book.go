// Package book implements the per-symbol order book: resting limit
// orders, the price-time matching algorithm, iceberg refresh and
// stop-loss activation. A Book knows nothing about symbols other than
// its own, nothing about the wire protocol, and nothing about
// validation — that belongs to the engine layer above it.
package book

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"ironbook/internal/common"
	"ironbook/internal/pool"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/btree"
)

// ErrDuplicateOrderID is returned by AddOrder when orderId already
// names a live order.
var ErrDuplicateOrderID = errors.New("book: orderId already exists")

const maxRecentTrades = 100

// ExecutionReporter is the engine-side collaborator a Book reports
// into. Sequencing and WAL durability happen here, under the book's
// lock, before the trade's effect is released to callers — mirroring
// the way the teacher's OrderBook holds an `engine *Engine` back
// pointer and calls engine.Trade(...) inline during matching.
type ExecutionReporter interface {
	NextSequence() uint64
	AppendExecution(seq, buyOrderID, sellOrderID, buyParticipantID, sellParticipantID uint64, price float64, qty uint64) error
}

type tradeSample struct {
	price float64
	qty   uint64
}

// Book holds every resting order for one symbol.
type Book struct {
	symbol   string
	reporter ExecutionReporter
	pool     *pool.OrderPool

	mu          sync.RWMutex
	bids        *btree.BTreeG[*priceLevel]
	asks        *btree.BTreeG[*priceLevel]
	orderLookup map[uint64]*common.Order
	elements    map[uint64]*list.Element

	stopBuy  *btree.BTreeG[*triggerLevel]
	stopSell *btree.BTreeG[*triggerLevel]

	lastTradePrice float64
	haveLastTrade  bool
	recentTrades   []tradeSample
}

// New builds an empty book for symbol. Bids sort best (highest) first,
// asks sort best (lowest) first — the same shape as the teacher's
// PriceLevels trees.
func New(symbol string, reporter ExecutionReporter, p *pool.OrderPool) *Book {
	return &Book{
		symbol:      symbol,
		reporter:    reporter,
		pool:        p,
		bids:        btree.NewBTreeG(func(a, b *priceLevel) bool { return a.price > b.price }),
		asks:        btree.NewBTreeG(func(a, b *priceLevel) bool { return a.price < b.price }),
		stopBuy:     btree.NewBTreeG(func(a, b *triggerLevel) bool { return a.price < b.price }),
		stopSell:    btree.NewBTreeG(func(a, b *triggerLevel) bool { return a.price > b.price }),
		orderLookup: make(map[uint64]*common.Order),
		elements:    make(map[uint64]*list.Element),
	}
}

func (b *Book) levelsFor(side common.Side) *btree.BTreeG[*priceLevel] {
	if side == common.Buy {
		return b.bids
	}
	return b.asks
}

func (b *Book) oppositeLevelsFor(side common.Side) *btree.BTreeG[*priceLevel] {
	if side == common.Buy {
		return b.asks
	}
	return b.bids
}

func (b *Book) levelFor(tree *btree.BTreeG[*priceLevel], price float64) *priceLevel {
	if lvl, ok := tree.GetMut(&priceLevel{price: price}); ok {
		return lvl
	}
	lvl := newPriceLevel(price)
	tree.Set(lvl)
	return lvl
}

// AddOrder places a new order without attempting to match it — §4.2.1.
func (b *Book) AddOrder(o *common.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addOrderLocked(o)
}

func (b *Book) addOrderLocked(o *common.Order) error {
	if _, exists := b.orderLookup[o.OrderID]; exists {
		return ErrDuplicateOrderID
	}

	switch o.OrderType {
	case common.StopLoss:
		b.insertStop(o)
		b.orderLookup[o.OrderID] = o
		return nil
	case common.Market:
		b.orderLookup[o.OrderID] = o
		return nil
	default: // Limit, Iceberg
		if o.OrderType == common.Iceberg {
			visible := o.VisibleQuantity
			if visible == 0 || visible > o.Quantity {
				visible = o.Quantity
			}
			o.HiddenRemaining = o.Quantity - visible
			o.Quantity = visible
		}
		tree := b.levelsFor(o.Side)
		level := b.levelFor(tree, o.Price)
		elem := level.orders.PushBack(o)
		b.elements[o.OrderID] = elem
		b.orderLookup[o.OrderID] = o
		return nil
	}
}

// PlaceLimit inserts a GTC/IOC/FOK-candidate LIMIT or ICEBERG order and
// runs the matching loop. Callers implementing IOC/FOK TIF semantics
// compose this with CancelOrder or TryFOK respectively. A non-nil
// error is either ErrDuplicateOrderID (nothing was inserted or
// matched) or a WAL append failure partway through matching (§7 class
// 4, resource exhaustion): in the latter case execs contains every trade that
// was durably recorded before the failure, and the caller must NACK
// the triggering request rather than ACK it, even though some of its
// quantity may already have been matched.
func (b *Book) PlaceLimit(o *common.Order) ([]common.Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.addOrderLocked(o); err != nil {
		return nil, err
	}
	return b.matchLocked()
}

// PlaceMarket inserts a MARKET order into the lookup only and sweeps
// it directly against the opposite side, since a MARKET order never
// rests in a price level and so never takes part in the generic
// resting-vs-resting loop in matchLocked. See PlaceLimit for the
// meaning of a non-nil error.
func (b *Book) PlaceMarket(o *common.Order) ([]common.Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orderLookup[o.OrderID] = o
	execs, err := b.sweepLocked(o)
	delete(b.orderLookup, o.OrderID)
	b.pool.Put(o)
	if err != nil {
		return execs, err
	}
	stopExecs, err := b.runStopFixedPointLocked()
	return append(execs, stopExecs...), err
}

// TryFOK performs a dry-run fill calculation before mutating anything.
// Only when the entire order is crossable is it inserted and matched
// for real; otherwise the book is left exactly as it was and no
// executions are emitted. See PlaceLimit for the meaning of a non-nil
// error.
func (b *Book) TryFOK(o *common.Order) (execs []common.Execution, filled bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.simulateFill(o) < o.Quantity {
		return nil, false, nil
	}
	if err := b.addOrderLocked(o); err != nil {
		return nil, false, nil
	}
	execs, err = b.matchLocked()
	return execs, true, err
}

// CancelOrder removes orderId if participantId owns it.
func (b *Book) CancelOrder(orderID, participantID uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orderLookup[orderID]
	if !ok {
		return false
	}
	if o.ParticipantID != participantID {
		return false
	}

	switch o.OrderType {
	case common.StopLoss:
		b.removeStop(o)
	case common.Market:
		// lookup-only; nothing else owns it.
	default:
		b.removeFromBookLocked(o)
	}

	delete(b.orderLookup, orderID)
	b.pool.Put(o)
	return true
}

// ModifyOrder replaces price/quantity for a resting LIMIT/ICEBERG
// order and re-enqueues it at the tail of the new price level, losing
// time priority. The caller must run Match afterward — §4.2.6.
func (b *Book) ModifyOrder(orderID uint64, newPrice float64, newQty uint64, participantID uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orderLookup[orderID]
	if !ok || o.ParticipantID != participantID {
		return false
	}
	if o.OrderType != common.Limit && o.OrderType != common.Iceberg {
		return false
	}
	if !b.removeFromBookLocked(o) {
		return false
	}

	o.Price = newPrice
	o.TotalQuantity = newQty
	o.Quantity = newQty
	if o.OrderType == common.Iceberg {
		visible := o.VisibleQuantity
		if visible == 0 || visible > newQty {
			visible = newQty
		}
		o.VisibleQuantity = visible
		o.Quantity = visible
		o.HiddenRemaining = newQty - visible
	}
	o.Timestamp = time.Now()

	tree := b.levelsFor(o.Side)
	level := b.levelFor(tree, o.Price)
	elem := level.orders.PushBack(o)
	b.elements[orderID] = elem
	return true
}

// Match runs the resting-vs-resting matching loop and the stop-loss
// fixed point after it. Exported for CANCEL_REPLACE, which modifies a
// resting order and must re-check the whole book for new crosses. See
// PlaceLimit for the meaning of a non-nil error.
func (b *Book) Match() ([]common.Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.matchLocked()
}

// matchLocked implements §4.2.2: repeatedly cross the best bid against
// the best ask while they cross, then run stop triggering (§4.2.4) to
// a fixed point. Must be called with mu held. A WAL append failure
// halts the loop immediately and is returned to the caller — per §7
// class 4, the triggering request must be NACKed, not ACKed, even
// though the trades recorded before the failure already happened.
func (b *Book) matchLocked() ([]common.Execution, error) {
	var execs []common.Execution

	for {
		bidLevel, ok1 := b.bids.MinMut()
		askLevel, ok2 := b.asks.MinMut()
		if !ok1 || !ok2 || bidLevel.price < askLevel.price {
			break
		}

		bidElem := bidLevel.orders.Front()
		askElem := askLevel.orders.Front()
		bidOrder := bidElem.Value.(*common.Order)
		askOrder := askElem.Value.(*common.Order)

		if bidOrder.ParticipantID == askOrder.ParticipantID {
			break
		}

		tradeQty := min(bidOrder.Quantity, askOrder.Quantity)
		price := passivePrice(bidOrder, askOrder)

		exec, err := b.trade(bidOrder, askOrder, tradeQty, price)
		if err != nil {
			log.Error().Err(err).Str("symbol", b.symbol).Msg("matchLocked: WAL append failed, halting match loop")
			return execs, fmt.Errorf("book: match: %w", err)
		}
		execs = append(execs, exec)

		bidOrder.Quantity -= tradeQty
		askOrder.Quantity -= tradeQty
		b.recordTrade(price, tradeQty)

		if bidOrder.OrderType == common.Iceberg {
			b.refreshIceberg(bidOrder, bidLevel, bidElem)
		}
		if askOrder.OrderType == common.Iceberg {
			b.refreshIceberg(askOrder, askLevel, askElem)
		}

		if bidOrder.Quantity == 0 {
			b.removeFromLevel(bidLevel, bidElem, b.bids)
		}
		if askOrder.Quantity == 0 {
			b.removeFromLevel(askLevel, askElem, b.asks)
		}
	}

	stopExecs, err := b.runStopFixedPointLocked()
	return append(execs, stopExecs...), err
}

// sweepLocked matches an active order that never rests (MARKET, or a
// stop-loss order that just activated into MARKET) directly against
// the opposite side. Must be called with mu held. See matchLocked for
// the meaning of a non-nil error.
func (b *Book) sweepLocked(active *common.Order) ([]common.Execution, error) {
	var execs []common.Execution
	opposite := b.oppositeLevelsFor(active.Side)

	for active.Quantity > 0 {
		level, ok := opposite.MinMut()
		if !ok {
			break
		}
		elem := level.orders.Front()
		if elem == nil {
			opposite.Delete(level)
			continue
		}
		resting := elem.Value.(*common.Order)

		if resting.ParticipantID == active.ParticipantID {
			break
		}

		tradeQty := min(active.Quantity, resting.Quantity)
		price := passivePrice(active, resting)

		exec, err := b.trade(active, resting, tradeQty, price)
		if err != nil {
			log.Error().Err(err).Str("symbol", b.symbol).Msg("sweepLocked: WAL append failed, halting sweep")
			return execs, fmt.Errorf("book: sweep: %w", err)
		}
		execs = append(execs, exec)

		active.Quantity -= tradeQty
		resting.Quantity -= tradeQty
		b.recordTrade(price, tradeQty)

		if resting.OrderType == common.Iceberg {
			b.refreshIceberg(resting, level, elem)
		}
		if resting.Quantity == 0 {
			b.removeFromLevel(level, elem, opposite)
		}
	}

	return execs, nil
}

// runStopFixedPointLocked activates stop orders against the current
// lastTradePrice and sweeps each one, repeating until no new stop
// fires — §4.2.4. Must be called with mu held. Stops early and
// returns an error if a sweep hits a WAL append failure, dropping any
// remaining activated-but-unswept orders from the book's lookup
// unfilled; they are effectively lost, the same way a WAL failure
// during an ordinary sweep leaves the rest of that order's quantity
// unfilled.
func (b *Book) runStopFixedPointLocked() ([]common.Execution, error) {
	var execs []common.Execution
	for {
		triggered := b.triggerStops()
		if len(triggered) == 0 {
			return execs, nil
		}
		for i, o := range triggered {
			sweepExecs, err := b.sweepLocked(o)
			execs = append(execs, sweepExecs...)
			delete(b.orderLookup, o.OrderID)
			b.pool.Put(o)
			if err != nil {
				for _, rest := range triggered[i+1:] {
					delete(b.orderLookup, rest.OrderID)
					b.pool.Put(rest)
				}
				return execs, err
			}
		}
	}
}

// triggerStops removes every stop order whose trigger condition is met
// by the current lastTradePrice, flips it to MARKET, and returns it
// for sweeping. An order already triggered this cycle is skipped so a
// fixed-point loop always terminates.
func (b *Book) triggerStops() []*common.Order {
	if !b.haveLastTrade {
		return nil
	}

	var activated []*common.Order
	now := time.Now()

	var buyHit []float64
	b.stopBuy.Scan(func(lvl *triggerLevel) bool {
		if lvl.price > b.lastTradePrice {
			return false
		}
		buyHit = append(buyHit, lvl.price)
		for _, o := range lvl.orders {
			if o.Triggered() {
				continue
			}
			o.MarkTriggered()
			o.OrderType = common.Market
			o.Timestamp = now
			activated = append(activated, o)
		}
		return true
	})
	for _, p := range buyHit {
		b.stopBuy.Delete(&triggerLevel{price: p})
	}

	var sellHit []float64
	b.stopSell.Scan(func(lvl *triggerLevel) bool {
		if lvl.price < b.lastTradePrice {
			return false
		}
		sellHit = append(sellHit, lvl.price)
		for _, o := range lvl.orders {
			if o.Triggered() {
				continue
			}
			o.MarkTriggered()
			o.OrderType = common.Market
			o.Timestamp = now
			activated = append(activated, o)
		}
		return true
	})
	for _, p := range sellHit {
		b.stopSell.Delete(&triggerLevel{price: p})
	}

	return activated
}

func (b *Book) insertStop(o *common.Order) {
	tree := b.stopSell
	if o.Side == common.Buy {
		tree = b.stopBuy
	}
	lvl, ok := tree.GetMut(&triggerLevel{price: o.TriggerPrice})
	if !ok {
		lvl = &triggerLevel{price: o.TriggerPrice}
		tree.Set(lvl)
	}
	lvl.orders = append(lvl.orders, o)
}

func (b *Book) removeStop(o *common.Order) {
	tree := b.stopSell
	if o.Side == common.Buy {
		tree = b.stopBuy
	}
	lvl, ok := tree.GetMut(&triggerLevel{price: o.TriggerPrice})
	if !ok {
		return
	}
	for i, x := range lvl.orders {
		if x.OrderID == o.OrderID {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			break
		}
	}
	if len(lvl.orders) == 0 {
		tree.Delete(lvl)
	}
}

// refreshIceberg replenishes a depleted visible slice from the hidden
// reserve and moves the order to the tail of its price level, losing
// time priority — §4.2.3. Called after quantity is decremented but
// before the caller's empty-queue removal check, so a successful
// refresh prevents that removal.
func (b *Book) refreshIceberg(o *common.Order, level *priceLevel, elem *list.Element) {
	if o.Quantity != 0 || o.HiddenRemaining == 0 {
		return
	}
	next := o.VisibleQuantity
	if next > o.HiddenRemaining {
		next = o.HiddenRemaining
	}
	o.Quantity = next
	o.HiddenRemaining -= next
	o.Timestamp = time.Now()
	level.orders.MoveToBack(elem)
}

func (b *Book) removeFromLevel(level *priceLevel, elem *list.Element, tree *btree.BTreeG[*priceLevel]) {
	o := elem.Value.(*common.Order)
	level.orders.Remove(elem)
	delete(b.orderLookup, o.OrderID)
	delete(b.elements, o.OrderID)
	b.pool.Put(o)
	if level.orders.Len() == 0 {
		tree.Delete(level)
	}
}

func (b *Book) removeFromBookLocked(o *common.Order) bool {
	tree := b.levelsFor(o.Side)
	level, ok := tree.GetMut(&priceLevel{price: o.Price})
	if !ok {
		return false
	}
	elem, ok := b.elements[o.OrderID]
	if !ok {
		return false
	}
	level.orders.Remove(elem)
	delete(b.elements, o.OrderID)
	if level.orders.Len() == 0 {
		tree.Delete(level)
	}
	return true
}

// simulateFill computes the quantity of o that the opposite side could
// currently absorb, applying the same crossing and self-trade rules as
// sweepLocked/matchLocked, without mutating anything. Used by TryFOK.
func (b *Book) simulateFill(o *common.Order) uint64 {
	tree := b.oppositeLevelsFor(o.Side)
	var filled uint64

	tree.Scan(func(level *priceLevel) bool {
		if o.Side == common.Buy && level.price > o.Price {
			return false
		}
		if o.Side == common.Sell && level.price < o.Price {
			return false
		}
		for e := level.orders.Front(); e != nil; e = e.Next() {
			resting := e.Value.(*common.Order)
			if resting.ParticipantID == o.ParticipantID {
				return false
			}
			remaining := o.Quantity - filled
			if remaining == 0 {
				return false
			}
			filled += min(remaining, resting.Quantity)
			if filled >= o.Quantity {
				return false
			}
		}
		return true
	})

	return filled
}

func (b *Book) recordTrade(price float64, qty uint64) {
	b.lastTradePrice = price
	b.haveLastTrade = true
	b.recentTrades = append(b.recentTrades, tradeSample{price: price, qty: qty})
	if len(b.recentTrades) > maxRecentTrades {
		b.recentTrades = b.recentTrades[len(b.recentTrades)-maxRecentTrades:]
	}
}

// trade assigns a sequence number and appends the execution to the
// WAL before either order's quantity is mutated, so a WAL failure
// leaves the book exactly as it was for this trade.
func (b *Book) trade(o1, o2 *common.Order, qty uint64, price float64) (common.Execution, error) {
	buy, sell := o1, o2
	if o1.Side != common.Buy {
		buy, sell = o2, o1
	}

	seq := b.reporter.NextSequence()
	if err := b.reporter.AppendExecution(seq, buy.OrderID, sell.OrderID, buy.ParticipantID, sell.ParticipantID, price, qty); err != nil {
		return common.Execution{}, err
	}

	return common.Execution{
		Sequence:        seq,
		Symbol:          b.symbol,
		Timestamp:       time.Now(),
		BuyOrderID:      buy.OrderID,
		SellOrderID:     sell.OrderID,
		BuyParticipant:  buy.ParticipantID,
		SellParticipant: sell.ParticipantID,
		Price:           price,
		Quantity:        qty,
	}, nil
}

// passivePrice resolves §4.2.2 step 3's trade-price rule: the order
// that was resting before the other's arrival sets the price. A
// freshly-submitted or just-activated order always has the later
// timestamp, so "older timestamp wins" correctly generalizes both the
// ordinary aggressor-vs-resting case and the already-resting-vs-
// already-resting case the spec calls out for CANCEL_REPLACE-driven
// crosses.
func passivePrice(a, b *common.Order) float64 {
	if a.Timestamp.Before(b.Timestamp) {
		return a.Price
	}
	return b.Price
}

// TopOfBook returns the current best bid/ask, or 0 on an empty side.
func (b *Book) TopOfBook() (bestBid, bestAsk float64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if lvl, ok := b.bids.Min(); ok {
		bestBid = lvl.price
	}
	if lvl, ok := b.asks.Min(); ok {
		bestAsk = lvl.price
	}
	return
}

// Depth returns the current number of resting orders on each side, for
// reporting book depth as a gauge.
func (b *Book) Depth() (bidCount, askCount uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.bids.Scan(func(lvl *priceLevel) bool {
		bidCount += uint64(lvl.orders.Len())
		return true
	})
	b.asks.Scan(func(lvl *priceLevel) bool {
		askCount += uint64(lvl.orders.Len())
		return true
	})
	return
}

// LastTradePrice returns the volume-weighted average price across the
// last 100 trades, or 0 if none have occurred — §4.2.7. This is
// distinct from the single most-recent trade price that drives stop
// triggering in triggerStops.
func (b *Book) LastTradePrice() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var value float64
	var volume uint64
	for _, t := range b.recentTrades {
		value += t.price * float64(t.qty)
		volume += t.qty
	}
	if volume == 0 {
		return 0
	}
	return value / float64(volume)
}
