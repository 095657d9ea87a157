package event

import (
	"strings"
	"time"

	"ArenaLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

// PerformanceReport is a point-in-time account report from the trading platform.
// Every figure is optional; supplied figures replace the ledger's own.
// Idempotency key: participant@recorded_at.
type PerformanceReport struct {
	Envelope
	RecordedAt    time.Time
	RealizedPnL   *decimal.Decimal
	UnrealizedPnL *decimal.Decimal
	TotalPnL      *decimal.Decimal
	Balance       *decimal.Decimal

	// Last prices per symbol, used to re-mark open positions.
	Marks map[string]decimal.Decimal
}

func (s *PerformanceReport) IdempotencyKey() string {
	return s.keyOr(ledger.SnapshotKey(s.ParticipantID, s.RecordedAt))
}

func (s *PerformanceReport) EventType() EventType {
	return EventTypeSnapshot
}

func (s *PerformanceReport) Validate() error {
	if err := s.validate(); err != nil {
		return err
	}
	if s.RecordedAt.IsZero() {
		return invalid("recorded_at is required")
	}
	if s.Balance != nil && s.Balance.IsNegative() {
		return invalid("balance must be >= 0, got %s", s.Balance)
	}
	for sym, price := range s.Marks {
		if strings.TrimSpace(sym) == "" {
			return invalid("mark with empty symbol")
		}
		if !price.IsPositive() {
			return invalid("mark %s must be > 0, got %s", sym, price)
		}
	}
	if s.TotalPnL != nil && s.RealizedPnL != nil && s.UnrealizedPnL != nil {
		if !s.TotalPnL.Equal(s.RealizedPnL.Add(*s.UnrealizedPnL)) {
			return invalid("total_pnl %s != realized %s + unrealized %s",
				s.TotalPnL, s.RealizedPnL, s.UnrealizedPnL)
		}
	}
	return nil
}
