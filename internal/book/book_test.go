package book_test

import (
	"sync"
	"testing"
	"time"

	"ironbook/internal/book"
	"ironbook/internal/common"
	"ironbook/internal/pool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReporter is a minimal ExecutionReporter that records every
// appended execution in order, mirroring what the engine's WAL
// integration would do without touching disk.
type fakeReporter struct {
	mu   sync.Mutex
	seq  uint64
	rows []string
	fail bool
}

func (f *fakeReporter) NextSequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq
}

func (f *fakeReporter) AppendExecution(seq, buyOrderID, sellOrderID, buyParticipantID, sellParticipantID uint64, price float64, qty uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.rows = append(f.rows, "exec")
	return nil
}

func newTestBook() (*book.Book, *fakeReporter) {
	r := &fakeReporter{}
	return book.New("TEST", r, pool.New()), r
}

func limitOrder(id uint64, side common.Side, price float64, qty, participant uint64, ts time.Time) *common.Order {
	return &common.Order{
		OrderID:       id,
		Side:          side,
		Symbol:        "TEST",
		Price:         price,
		Quantity:      qty,
		TotalQuantity: qty,
		Timestamp:     ts,
		ParticipantID: participant,
		OrderType:     common.Limit,
		TIF:           common.GTC,
	}
}

func TestSimpleCross(t *testing.T) {
	b, r := newTestBook()
	now := time.Now()

	sell := limitOrder(1, common.Sell, 100.0, 10, 1, now)
	_, err := b.PlaceLimit(sell)
	require.NoError(t, err)

	buy := limitOrder(2, common.Buy, 101.0, 10, 2, now.Add(time.Millisecond))
	execs, err := b.PlaceLimit(buy)
	require.NoError(t, err)

	require.Len(t, execs, 1)
	assert.Equal(t, 100.0, execs[0].Price, "resting sell's price wins over the aggressing buy's limit")
	assert.Equal(t, uint64(10), execs[0].Quantity)
	assert.Len(t, r.rows, 1)

	bestBid, bestAsk := b.TopOfBook()
	assert.Equal(t, 0.0, bestBid)
	assert.Equal(t, 0.0, bestAsk)
}

func TestPartialFillLeavesResidual(t *testing.T) {
	b, _ := newTestBook()
	now := time.Now()

	sell := limitOrder(1, common.Sell, 100.0, 5, 1, now)
	_, err := b.PlaceLimit(sell)
	require.NoError(t, err)

	buy := limitOrder(2, common.Buy, 100.0, 10, 2, now.Add(time.Millisecond))
	execs, err := b.PlaceLimit(buy)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, uint64(5), execs[0].Quantity)

	bestBid, _ := b.TopOfBook()
	assert.Equal(t, 100.0, bestBid, "unfilled 5 of the buy order still rests")
}

func TestIOCResidueIsCancelledByCaller(t *testing.T) {
	// Book itself doesn't know about TIF; an IOC caller places the
	// order, inspects the fill, and cancels what's left. This test
	// exercises that composition pattern directly against Book.
	b, _ := newTestBook()
	now := time.Now()

	sell := limitOrder(1, common.Sell, 100.0, 5, 1, now)
	_, err := b.PlaceLimit(sell)
	require.NoError(t, err)

	buy := limitOrder(2, common.Buy, 100.0, 10, 2, now.Add(time.Millisecond))
	execs, err := b.PlaceLimit(buy)
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	ok := b.CancelOrder(buy.OrderID, buy.ParticipantID)
	assert.True(t, ok)

	bestBid, _ := b.TopOfBook()
	assert.Equal(t, 0.0, bestBid, "IOC residual was cancelled, nothing rests")
}

func TestSelfTradePreventionStopsMatchLoop(t *testing.T) {
	b, r := newTestBook()
	now := time.Now()

	// A resting sell from participant 1 at the head of the 100.0 level, and
	// one from participant 2 behind it at the same price.
	sell1 := limitOrder(1, common.Sell, 100.0, 5, 1, now)
	sell2 := limitOrder(2, common.Sell, 100.0, 5, 2, now.Add(time.Millisecond))
	_, err := b.PlaceLimit(sell1)
	require.NoError(t, err)
	_, err = b.PlaceLimit(sell2)
	require.NoError(t, err)

	buy := limitOrder(3, common.Buy, 100.0, 20, 1, now.Add(2*time.Millisecond))
	execs, err := b.PlaceLimit(buy)
	require.NoError(t, err)

	require.Len(t, execs, 0, "matching halts entirely on reaching the same-participant order, not just skips it")
	assert.Len(t, r.rows, 0)

	bestBid, _ := b.TopOfBook()
	assert.Equal(t, 100.0, bestBid, "the whole incoming buy still rests untouched")
}

func TestIcebergRefreshReplenishesAndLosesTimePriority(t *testing.T) {
	b, _ := newTestBook()
	now := time.Now()

	iceberg := &common.Order{
		OrderID:         1,
		Side:            common.Sell,
		Symbol:          "TEST",
		Price:           100.0,
		Quantity:        30,
		TotalQuantity:   30,
		Timestamp:       now,
		ParticipantID:   1,
		OrderType:       common.Iceberg,
		TIF:             common.GTC,
		VisibleQuantity: 10,
	}
	_, err := b.PlaceLimit(iceberg)
	require.NoError(t, err)

	other := limitOrder(2, common.Sell, 100.0, 5, 2, now.Add(time.Millisecond))
	_, err = b.PlaceLimit(other)
	require.NoError(t, err)

	buy := limitOrder(3, common.Buy, 100.0, 10, 3, now.Add(2*time.Millisecond))
	execs, err := b.PlaceLimit(buy)
	require.NoError(t, err)

	require.Len(t, execs, 1, "iceberg's visible 10 fully absorbs the incoming buy before the second order is touched")
	assert.Equal(t, uint64(10), execs[0].Quantity)

	buy2 := limitOrder(4, common.Buy, 100.0, 5, 4, now.Add(3*time.Millisecond))
	execs2, err := b.PlaceLimit(buy2)
	require.NoError(t, err)
	require.Len(t, execs2, 1, "iceberg refreshed and moved behind the other resting sell, so that sell trades first")
	assert.Equal(t, uint64(2), execs2[0].SellOrderID)
}

func TestFillOrKillDryRunRejectsWhenInsufficientLiquidity(t *testing.T) {
	b, r := newTestBook()
	now := time.Now()

	sell := limitOrder(1, common.Sell, 100.0, 5, 1, now)
	_, err := b.PlaceLimit(sell)
	require.NoError(t, err)

	fok := limitOrder(2, common.Buy, 100.0, 10, 2, now.Add(time.Millisecond))
	fok.TIF = common.FOK
	execs, filled, err := b.TryFOK(fok)
	require.NoError(t, err)

	assert.False(t, filled)
	assert.Nil(t, execs)
	assert.Len(t, r.rows, 0, "a rejected FOK must never reach the WAL")

	bestBid, _ := b.TopOfBook()
	assert.Equal(t, 0.0, bestBid, "book is untouched after a failed dry run")
}

func TestFillOrKillDryRunFillsWhenSufficientLiquidity(t *testing.T) {
	b, _ := newTestBook()
	now := time.Now()

	sell1 := limitOrder(1, common.Sell, 100.0, 5, 1, now)
	sell2 := limitOrder(2, common.Sell, 101.0, 5, 2, now.Add(time.Millisecond))
	_, err := b.PlaceLimit(sell1)
	require.NoError(t, err)
	_, err = b.PlaceLimit(sell2)
	require.NoError(t, err)

	fok := limitOrder(3, common.Buy, 101.0, 10, 3, now.Add(2*time.Millisecond))
	fok.TIF = common.FOK
	execs, filled, err := b.TryFOK(fok)
	require.NoError(t, err)

	require.True(t, filled)
	require.Len(t, execs, 2)

	bestBid, bestAsk := b.TopOfBook()
	assert.Equal(t, 0.0, bestBid)
	assert.Equal(t, 0.0, bestAsk)
}

func TestStopLossTriggersOffLastTradePrice(t *testing.T) {
	b, _ := newTestBook()
	now := time.Now()

	stop := &common.Order{
		OrderID:       1,
		Side:          common.Sell,
		Symbol:        "TEST",
		Quantity:      5,
		TotalQuantity: 5,
		Timestamp:     now,
		ParticipantID: 1,
		OrderType:     common.StopLoss,
		TriggerPrice:  99.0,
	}
	require.NoError(t, b.AddOrder(stop))

	// A resting buy below the setter price, for the activated stop to
	// sweep against.
	buyer := limitOrder(4, common.Buy, 98.0, 5, 4, now.Add(time.Millisecond))
	_, err := b.PlaceLimit(buyer)
	require.NoError(t, err)

	// Drive the last trade price down to 99 via an unrelated cross.
	sellSetter := limitOrder(2, common.Sell, 99.0, 1, 2, now.Add(2*time.Millisecond))
	_, err = b.PlaceLimit(sellSetter)
	require.NoError(t, err)
	buySetter := limitOrder(3, common.Buy, 99.0, 1, 3, now.Add(3*time.Millisecond))
	execs, err := b.PlaceLimit(buySetter)
	require.NoError(t, err)
	require.Len(t, execs, 2, "the setter cross, then the activated stop-loss converts to MARKET and sweeps against the resting buy")
	assert.Equal(t, uint64(1), execs[1].SellOrderID)
}

func TestCancelUnknownOrderIsNoop(t *testing.T) {
	b, _ := newTestBook()
	assert.False(t, b.CancelOrder(999, 1))
}

func TestDuplicateOrderIDRejected(t *testing.T) {
	b, _ := newTestBook()
	now := time.Now()
	o := limitOrder(1, common.Buy, 100.0, 5, 1, now)
	require.NoError(t, b.AddOrder(o))

	dup := limitOrder(1, common.Buy, 100.0, 5, 1, now)
	err := b.AddOrder(dup)
	assert.ErrorIs(t, err, book.ErrDuplicateOrderID)
}
