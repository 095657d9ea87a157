package event

import (
	"strings"
	"time"

	"ArenaLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

// TradeReport is a trade as reported by the trading platform.
// Idempotency key: external trade id.
type TradeReport struct {
	Envelope
	ExternalTradeID string
	Symbol          string
	Side            ledger.Side
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Commission      decimal.Decimal
	Status          ledger.TradeStatus // pending or executed; empty means executed

	// Source-computed realized PnL. When set it replaces the ledger's own computation.
	RealizedPnL *decimal.Decimal

	ExecutedAt time.Time
}

func (t *TradeReport) IdempotencyKey() string {
	return t.keyOr(t.ExternalTradeID)
}

func (t *TradeReport) EventType() EventType {
	return EventTypeTrade
}

// InitialStatus returns the status the trade is recorded with.
func (t *TradeReport) InitialStatus() ledger.TradeStatus {
	if t.Status == "" {
		return ledger.TradeStatusExecuted
	}
	return t.Status
}

func (t *TradeReport) Validate() error {
	if err := t.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.ExternalTradeID) == "" {
		return invalid("external_trade_id is required")
	}
	if strings.TrimSpace(t.Symbol) == "" {
		return invalid("symbol is required")
	}
	if t.Side != ledger.SideBuy && t.Side != ledger.SideSell {
		return invalid("side %q", t.Side)
	}
	if !t.Quantity.IsPositive() {
		return invalid("quantity must be > 0, got %s", t.Quantity)
	}
	if !t.Price.IsPositive() {
		return invalid("price must be > 0, got %s", t.Price)
	}
	if t.Commission.IsNegative() {
		return invalid("commission must be >= 0, got %s", t.Commission)
	}
	switch t.InitialStatus() {
	case ledger.TradeStatusPending, ledger.TradeStatusExecuted:
	default:
		return invalid("initial status %q", t.Status)
	}
	return nil
}
