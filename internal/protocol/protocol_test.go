package protocol_test

import (
	"testing"

	"ironbook/internal/common"
	"ironbook/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddDefaultsTIFAndOrderType(t *testing.T) {
	req, err := protocol.Parse("ADD|1|1700000000|42|AAPL|150.00|60")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReqAdd, req.Kind)
	assert.Equal(t, uint64(42), req.Add.OrderID)
	assert.Equal(t, "AAPL", req.Add.Symbol)
	assert.Equal(t, 150.0, req.Add.Price)
	assert.Equal(t, uint64(60), req.Add.Quantity)
	assert.Equal(t, common.Buy, req.Add.Side)
	assert.Equal(t, common.GTC, req.Add.TIF)
	assert.Equal(t, common.Limit, req.Add.OrderType)
}

func TestParseAddFullFields(t *testing.T) {
	req, err := protocol.Parse("ADD|2|1700000000|43|AAPL|150.00|60|SELL|IOC|ICEBERG|7|0|10")
	require.NoError(t, err)
	assert.Equal(t, common.Sell, req.Add.Side)
	assert.Equal(t, common.IOC, req.Add.TIF)
	assert.Equal(t, common.Iceberg, req.Add.OrderType)
	assert.Equal(t, uint64(7), req.Add.ParticipantID)
	assert.Equal(t, uint64(10), req.Add.VisibleQuantity)
}

func TestParseCancel(t *testing.T) {
	req, err := protocol.Parse("CANCEL|3|1700000000|42|7")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReqCancel, req.Kind)
	assert.Equal(t, uint64(42), req.CancelOrderID)
	assert.Equal(t, uint64(7), req.ParticipantID)
}

func TestParseCancelReplace(t *testing.T) {
	req, err := protocol.Parse("CANCEL_REPLACE|4|1700000000|42|151.00|40|7")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReqCancelReplace, req.Kind)
	assert.Equal(t, 151.0, req.NewPrice)
	assert.Equal(t, uint64(40), req.NewQuantity)
}

func TestParseSnapshotRequest(t *testing.T) {
	req, err := protocol.Parse("SNAPSHOT_REQUEST|5|1700000000|AAPL")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReqSnapshotRequest, req.Kind)
	assert.Equal(t, "AAPL", req.Symbol)
}

func TestParseHeartbeat(t *testing.T) {
	req, err := protocol.Parse("HEARTBEAT|6|1700000000")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReqHeartbeat, req.Kind)
}

func TestParseHalt(t *testing.T) {
	req, err := protocol.Parse("HALT|7|1700000000|AAPL")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReqHalt, req.Kind)
	assert.Equal(t, "AAPL", req.Symbol)
}

func TestParseResume(t *testing.T) {
	req, err := protocol.Parse("RESUME|8|1700000000|AAPL")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReqResume, req.Kind)
	assert.Equal(t, "AAPL", req.Symbol)
}

func TestParseUnknownCommand(t *testing.T) {
	_, err := protocol.Parse("BOGUS|1")
	assert.ErrorIs(t, err, protocol.ErrUnknownCommand)
}

func TestParseEmptyLine(t *testing.T) {
	_, err := protocol.Parse("   ")
	assert.ErrorIs(t, err, protocol.ErrEmptyLine)
}

func TestParseMalformedAdd(t *testing.T) {
	_, err := protocol.Parse("ADD|1|1700000000|notanumber|AAPL|150.00|60")
	assert.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestFormatResponses(t *testing.T) {
	assert.Equal(t, "ADD_ACK|seq=1|orderId=42\n", protocol.FormatAck(protocol.ReqAdd, 1, 42))
	assert.Equal(t, "ADD_NACK|seq=1|reason=TICK_SIZE\n", protocol.FormatNack(protocol.ReqAdd, 1, "TICK_SIZE"))
	assert.Equal(t, "HEARTBEAT_ACK|seq=6\n", protocol.FormatHeartbeatAck(6))
}

func TestFormatSnapshot(t *testing.T) {
	line := protocol.FormatSnapshot("AAPL", 149.5, 150.5, 150.0)
	assert.Contains(t, line, "SNAPSHOT|symbol=AAPL")
	assert.Contains(t, line, "bestBid=149.50000000")
}
