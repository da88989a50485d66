// Package protocol implements the line-delimited, pipe-separated wire
// codec exchanged over the TCP session: ADD/CANCEL/CANCEL_REPLACE/
// SNAPSHOT_REQUEST/HEARTBEAT/HALT/RESUME requests in, *_ACK/*_NACK/
// SNAPSHOT/HEARTBEAT_ACK responses out. Nothing here touches a socket
// — that's internal/net's job.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ironbook/internal/common"
	"ironbook/internal/engine"
)

var (
	ErrEmptyLine      = errors.New("protocol: empty line")
	ErrUnknownCommand = errors.New("protocol: unknown command")
	ErrMalformed      = errors.New("protocol: malformed fields")
)

const fieldSep = "|"

// RequestKind names the recognized inbound command.
type RequestKind string

const (
	ReqAdd             RequestKind = "ADD"
	ReqCancel          RequestKind = "CANCEL"
	ReqCancelReplace   RequestKind = "CANCEL_REPLACE"
	ReqSnapshotRequest RequestKind = "SNAPSHOT_REQUEST"
	ReqHeartbeat       RequestKind = "HEARTBEAT"
	ReqHalt            RequestKind = "HALT"
	ReqResume          RequestKind = "RESUME"
)

// Request is a decoded inbound line, with only the fields relevant to
// its Kind populated.
type Request struct {
	Kind RequestKind
	Seq  uint64

	Add           engine.AddRequest
	CancelOrderID uint64
	ParticipantID uint64
	NewPrice      float64
	NewQuantity   uint64
	Symbol        string
}

// Parse decodes one LF-stripped wire line into a Request.
func Parse(line string) (Request, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Request{}, ErrEmptyLine
	}
	fields := strings.Split(line, fieldSep)

	switch RequestKind(fields[0]) {
	case ReqAdd:
		return parseAdd(fields)
	case ReqCancel:
		return parseCancel(fields)
	case ReqCancelReplace:
		return parseCancelReplace(fields)
	case ReqSnapshotRequest:
		return parseSnapshotRequest(fields)
	case ReqHeartbeat:
		return parseHeartbeat(fields)
	case ReqHalt:
		return parseHalt(fields)
	case ReqResume:
		return parseResume(fields)
	default:
		return Request{}, ErrUnknownCommand
	}
}

// ADD|seq|ts|orderId|symbol|price|qty|side|tif|ordertype|participantId|triggerPrice|visibleQty
func parseAdd(f []string) (Request, error) {
	if len(f) < 7 {
		return Request{}, ErrMalformed
	}
	seq, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: seq", ErrMalformed)
	}
	orderID, err := strconv.ParseUint(f[3], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: orderId", ErrMalformed)
	}
	symbol := f[4]
	price, err := strconv.ParseFloat(f[5], 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: price", ErrMalformed)
	}
	qty, err := strconv.ParseUint(f[6], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: qty", ErrMalformed)
	}

	side := common.Buy
	if field(f, 7) == "SELL" {
		side = common.Sell
	}

	tif := common.GTC
	switch field(f, 8) {
	case "IOC":
		tif = common.IOC
	case "FOK":
		tif = common.FOK
	}

	orderType := common.Limit
	switch field(f, 9) {
	case "MARKET":
		orderType = common.Market
	case "STOP_LOSS":
		orderType = common.StopLoss
	case "ICEBERG":
		orderType = common.Iceberg
	}

	participantID, _ := strconv.ParseUint(field(f, 10), 10, 64)
	triggerPrice, _ := strconv.ParseFloat(field(f, 11), 64)
	visibleQty, _ := strconv.ParseUint(field(f, 12), 10, 64)

	return Request{
		Kind: ReqAdd,
		Seq:  seq,
		Add: engine.AddRequest{
			OrderID:         orderID,
			Side:            side,
			Symbol:          symbol,
			Price:           price,
			Quantity:        qty,
			ParticipantID:   participantID,
			TIF:             tif,
			OrderType:       orderType,
			TriggerPrice:    triggerPrice,
			VisibleQuantity: visibleQty,
		},
	}, nil
}

// CANCEL|seq|ts|orderId|participantId
func parseCancel(f []string) (Request, error) {
	if len(f) < 5 {
		return Request{}, ErrMalformed
	}
	seq, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: seq", ErrMalformed)
	}
	orderID, err := strconv.ParseUint(f[3], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: orderId", ErrMalformed)
	}
	participantID, err := strconv.ParseUint(f[4], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: participantId", ErrMalformed)
	}
	return Request{Kind: ReqCancel, Seq: seq, CancelOrderID: orderID, ParticipantID: participantID}, nil
}

// CANCEL_REPLACE|seq|ts|orderId|newPrice|newQty|participantId
func parseCancelReplace(f []string) (Request, error) {
	if len(f) < 7 {
		return Request{}, ErrMalformed
	}
	seq, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: seq", ErrMalformed)
	}
	orderID, err := strconv.ParseUint(f[3], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: orderId", ErrMalformed)
	}
	newPrice, err := strconv.ParseFloat(f[4], 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: newPrice", ErrMalformed)
	}
	newQty, err := strconv.ParseUint(f[5], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: newQty", ErrMalformed)
	}
	participantID, err := strconv.ParseUint(f[6], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: participantId", ErrMalformed)
	}
	return Request{
		Kind: ReqCancelReplace, Seq: seq, CancelOrderID: orderID,
		NewPrice: newPrice, NewQuantity: newQty, ParticipantID: participantID,
	}, nil
}

// SNAPSHOT_REQUEST|seq|ts|symbol
func parseSnapshotRequest(f []string) (Request, error) {
	if len(f) < 4 {
		return Request{}, ErrMalformed
	}
	seq, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: seq", ErrMalformed)
	}
	return Request{Kind: ReqSnapshotRequest, Seq: seq, Symbol: f[3]}, nil
}

// HEARTBEAT|seq|ts
func parseHeartbeat(f []string) (Request, error) {
	if len(f) < 2 {
		return Request{}, ErrMalformed
	}
	seq, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: seq", ErrMalformed)
	}
	return Request{Kind: ReqHeartbeat, Seq: seq}, nil
}

// HALT|seq|ts|symbol
func parseHalt(f []string) (Request, error) {
	if len(f) < 4 {
		return Request{}, ErrMalformed
	}
	seq, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: seq", ErrMalformed)
	}
	return Request{Kind: ReqHalt, Seq: seq, Symbol: f[3]}, nil
}

// RESUME|seq|ts|symbol
func parseResume(f []string) (Request, error) {
	if len(f) < 4 {
		return Request{}, ErrMalformed
	}
	seq, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: seq", ErrMalformed)
	}
	return Request{Kind: ReqResume, Seq: seq, Symbol: f[3]}, nil
}

func field(f []string, i int) string {
	if i >= len(f) {
		return ""
	}
	return f[i]
}

// FormatAck / FormatNack / ... build the exact response lines,
// each terminated with a trailing newline.

func FormatAck(kind RequestKind, seq uint64, orderID uint64) string {
	return fmt.Sprintf("%s_ACK|seq=%d|orderId=%d\n", kind, seq, orderID)
}

func FormatNack(kind RequestKind, seq uint64, reason string) string {
	return fmt.Sprintf("%s_NACK|seq=%d|reason=%s\n", kind, seq, reason)
}

func FormatSnapshot(symbol string, bestBid, bestAsk, lastTradePrice float64) string {
	return fmt.Sprintf("SNAPSHOT|symbol=%s|bestBid=%.8f|bestAsk=%.8f|lastTradePrice=%.8f\n",
		symbol, bestBid, bestAsk, lastTradePrice)
}

func FormatHeartbeatAck(seq uint64) string {
	return fmt.Sprintf("HEARTBEAT_ACK|seq=%d\n", seq)
}

// FormatExecution renders an execution fanned out to a connected
// session, distinct from the ACK that confirms the triggering
// request was accepted.
func FormatExecution(e common.Execution) string {
	return fmt.Sprintf("EXEC|seq=%d|symbol=%s|buyOrderId=%d|sellOrderId=%d|price=%.8f|qty=%d\n",
		e.Sequence, e.Symbol, e.BuyOrderID, e.SellOrderID, e.Price, e.Quantity)
}
