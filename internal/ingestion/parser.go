package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"TermLedger/internal/core"
)

var ErrBadPriceMessage = errors.New("bad price message")

// PriceMessage is the wire shape of an oracle price update. Price is a
// WAD-scaled decimal string; Version orders updates per market; Timestamp is
// the versioned input time the engine accrues against.
type PriceMessage struct {
	Market    string `json:"market"`
	Price     string `json:"price"`
	Version   int64  `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// ParsePriceMessage validates a raw price payload and builds the command for
// the engine.
func ParsePriceMessage(data []byte) (core.Command, error) {
	var msg PriceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return core.Command{}, fmt.Errorf("%w: %v", ErrBadPriceMessage, err)
	}
	if msg.Market == "" {
		return core.Command{}, fmt.Errorf("%w: missing market", ErrBadPriceMessage)
	}
	if msg.Version <= 0 {
		return core.Command{}, fmt.Errorf("%w: version must be positive", ErrBadPriceMessage)
	}
	if msg.Timestamp <= 0 {
		return core.Command{}, fmt.Errorf("%w: timestamp must be positive", ErrBadPriceMessage)
	}
	price, err := uint256.FromDecimal(msg.Price)
	if err != nil {
		return core.Command{}, fmt.Errorf("%w: price %q: %v", ErrBadPriceMessage, msg.Price, err)
	}
	if price.IsZero() {
		return core.Command{}, fmt.Errorf("%w: zero price", ErrBadPriceMessage)
	}
	return core.Command{
		Timestamp: msg.Timestamp,
		Op: &core.PriceUpdateOp{
			Market:  msg.Market,
			Price:   price,
			Version: msg.Version,
		},
	}, nil
}
