package ledger

import (
	"fmt"
	"strings"
	"time"

	fpmath "ArenaLedger/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side represents trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts buy/sell case-insensitively.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrValidation, s)
}

// TradeStatus is the execution state of a trade.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusExecuted  TradeStatus = "executed"
	TradeStatusSettled   TradeStatus = "settled"
	TradeStatusRejected  TradeStatus = "rejected"
	TradeStatusCancelled TradeStatus = "cancelled"
)

// ParseTradeStatus validates a wire status string.
func ParseTradeStatus(s string) (TradeStatus, error) {
	st := TradeStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case TradeStatusPending, TradeStatusExecuted, TradeStatusSettled, TradeStatusRejected, TradeStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown trade status %q", ErrValidation, s)
}

// IsTerminal returns true for states that accept no further transition.
func (s TradeStatus) IsTerminal() bool {
	return s == TradeStatusSettled || s == TradeStatusRejected || s == TradeStatusCancelled
}

// CanTransitionTo validates trade status transitions.
func (s TradeStatus) CanTransitionTo(next TradeStatus) bool {
	transitions := map[TradeStatus][]TradeStatus{
		TradeStatusPending: {
			TradeStatusExecuted,
			TradeStatusRejected,
			TradeStatusCancelled,
		},
		TradeStatusExecuted: {
			TradeStatusSettled,
		},
	}

	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Trade is an execution record. Immutable once terminal.
type Trade struct {
	ID              uuid.UUID        `json:"id"`
	TournamentID    uuid.UUID        `json:"tournament_id"`
	ParticipantID   uuid.UUID        `json:"participant_id"`
	ExternalTradeID string           `json:"external_trade_id"`
	Symbol          string           `json:"symbol"`
	Side            Side             `json:"side"`
	Quantity        decimal.Decimal  `json:"quantity"`
	Price           decimal.Decimal  `json:"price"`
	Notional        decimal.Decimal  `json:"notional"`
	Commission      decimal.Decimal  `json:"commission"`
	NetValue        decimal.Decimal  `json:"net_value"`
	RealizedPnL     *decimal.Decimal `json:"realized_pnl,omitempty"`
	Status          TradeStatus      `json:"status"`
	ExecutedAt      *time.Time       `json:"executed_at,omitempty"`
	SettledAt       *time.Time       `json:"settled_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ComputeValues derives notional and signed net cash value from quantity, price and commission.
func (t *Trade) ComputeValues() {
	t.Notional = fpmath.ComputeNotional(t.Quantity, t.Price)
	if t.Side == SideBuy {
		t.NetValue = t.Notional.Add(t.Commission).Neg()
	} else {
		t.NetValue = t.Notional.Sub(t.Commission)
	}
}

// Transition moves the trade to next, stamping execution or settlement time.
func (t *Trade) Transition(next TradeStatus, at time.Time) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: trade %s %s -> %s", ErrInvalidTransition, t.ExternalTradeID, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = at
	switch next {
	case TradeStatusExecuted:
		t.ExecutedAt = &at
	case TradeStatusSettled:
		t.SettledAt = &at
	}
	return nil
}
