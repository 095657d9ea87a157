package event

import (
	"strings"
	"time"

	"ArenaLedger/internal/ledger"
)

// TradeStatusUpdate moves a recorded trade along its status machine.
// Idempotency key: external_trade_id:status.
type TradeStatusUpdate struct {
	Envelope
	ExternalTradeID string
	Status          ledger.TradeStatus
	At              time.Time
}

func (u *TradeStatusUpdate) IdempotencyKey() string {
	return u.keyOr(u.ExternalTradeID + ":" + string(u.Status))
}

func (u *TradeStatusUpdate) EventType() EventType {
	return EventTypeTradeStatus
}

// IsSettlement reports whether this update only settles an executed trade,
// the one mutation a completed tournament still accepts.
func (u *TradeStatusUpdate) IsSettlement() bool {
	return u.Status == ledger.TradeStatusSettled
}

func (u *TradeStatusUpdate) Validate() error {
	if err := u.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(u.ExternalTradeID) == "" {
		return invalid("external_trade_id is required")
	}
	if _, err := ledger.ParseTradeStatus(string(u.Status)); err != nil {
		return invalid("status %q", u.Status)
	}
	if u.Status == ledger.TradeStatusPending {
		return invalid("cannot transition a trade to pending")
	}
	return nil
}
