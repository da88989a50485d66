package controller_test

import (
	"testing"

	"ironbook/internal/common"
	"ironbook/internal/config"
	"ironbook/internal/controller"
	"ironbook/internal/engine"
	"ironbook/internal/pool"
	"ironbook/internal/wal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct{}

func (m *memSink) Append(seq uint64, kind wal.RecordKind, fields ...string) error { return nil }
func (m *memSink) Close() error                                                   { return nil }

func newTestController(t *testing.T) *controller.Controller {
	reg := config.NewRegistry()
	c := controller.New(reg, &memSink{}, pool.New())
	require.NoError(t, c.AddEngineForSymbol(config.Symbol{
		Symbol: "AAPL", TickSize: 0.01, MinQuantity: 1, MinPrice: 1, MaxPrice: 10000,
		VolatilityThreshold: 0.5, ReferencePrice: 100,
	}))
	return c
}

func TestDispatchAddUnknownSymbol(t *testing.T) {
	c := newTestController(t)
	_, err := c.DispatchAdd(engine.AddRequest{OrderID: 1, Symbol: "MSFT", Quantity: 1, OrderType: common.Limit, Price: 1})
	assert.ErrorIs(t, err, controller.ErrUnknownSymbol)
}

func TestDispatchAddThenCancelRoutesBySymbol(t *testing.T) {
	c := newTestController(t)
	_, err := c.DispatchAdd(engine.AddRequest{
		OrderID: 1, Side: common.Buy, Symbol: "AAPL", Price: 100, Quantity: 10,
		ParticipantID: 1, TIF: common.GTC, OrderType: common.Limit,
	})
	require.NoError(t, err)

	err = c.DispatchCancel(1, 1)
	assert.NoError(t, err)
}

func TestDispatchCancelUnknownOrder(t *testing.T) {
	c := newTestController(t)
	err := c.DispatchCancel(999, 1)
	assert.ErrorIs(t, err, controller.ErrUnknownOrder)
}

func TestAddEngineForSymbolTwiceErrors(t *testing.T) {
	c := newTestController(t)
	err := c.AddEngineForSymbol(config.Symbol{Symbol: "AAPL"})
	assert.ErrorIs(t, err, controller.ErrSymbolExists)
}

func TestSnapshotAndLastTradePrice(t *testing.T) {
	c := newTestController(t)
	_, err := c.DispatchAdd(engine.AddRequest{
		OrderID: 1, Side: common.Sell, Symbol: "AAPL", Price: 100, Quantity: 5,
		ParticipantID: 1, TIF: common.GTC, OrderType: common.Limit,
	})
	require.NoError(t, err)
	execs, err := c.DispatchAdd(engine.AddRequest{
		OrderID: 2, Side: common.Buy, Symbol: "AAPL", Price: 100, Quantity: 5,
		ParticipantID: 2, TIF: common.GTC, OrderType: common.Limit,
	})
	require.NoError(t, err)
	require.Len(t, execs, 1)

	price, err := c.LastTradePrice("AAPL")
	require.NoError(t, err)
	assert.Equal(t, 100.0, price)

	bestBid, bestAsk, snapPrice, err := c.DispatchSnapshotRequest("AAPL")
	require.NoError(t, err)
	assert.Equal(t, 0.0, bestBid)
	assert.Equal(t, 0.0, bestAsk)
	assert.Equal(t, 100.0, snapPrice)
}
