package common

import (
	"fmt"
	"time"
)

// Execution is a single matched trade between two orders, carrying
// everything an ExecutionMessage needs on the wire and in the WAL.
type Execution struct {
	Sequence        uint64
	Symbol          string
	Timestamp       time.Time
	BuyOrderID      uint64
	SellOrderID     uint64
	BuyParticipant  uint64
	SellParticipant uint64
	Price           float64
	Quantity        uint64
}

func (e Execution) String() string {
	return fmt.Sprintf(
		"seq=%d symbol=%s price=%.4f qty=%d buy=%d(%d) sell=%d(%d) ts=%s",
		e.Sequence, e.Symbol, e.Price, e.Quantity,
		e.BuyOrderID, e.BuyParticipant, e.SellOrderID, e.SellParticipant,
		e.Timestamp.Format(time.RFC3339Nano),
	)
}
