package ledger

import (
	"time"

	fpmath "ArenaLedger/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SnapshotSource records what produced a performance snapshot.
type SnapshotSource string

const (
	SnapshotSourceEvent   SnapshotSource = "event"
	SnapshotSourceCapture SnapshotSource = "capture"
	SnapshotSourceManual  SnapshotSource = "manual"
)

// PerformanceSnapshot is an immutable point-in-time metrics record.
// Returns carries the running return statistics so the next snapshot can be
// derived from this one alone.
type PerformanceSnapshot struct {
	ID            uuid.UUID           `json:"id"`
	ParticipantID uuid.UUID           `json:"participant_id"`
	TournamentID  uuid.UUID           `json:"tournament_id"`
	RecordedAt    time.Time           `json:"recorded_at"`
	TotalPnL      decimal.Decimal     `json:"total_pnl"`
	RealizedPnL   decimal.Decimal     `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal     `json:"unrealized_pnl"`
	Balance       decimal.Decimal     `json:"balance"`
	Equity        decimal.Decimal     `json:"equity"`
	TradeCount    int64               `json:"trade_count"`
	WinCount      int64               `json:"win_count"`
	LossCount     int64               `json:"loss_count"`
	TotalVolume   decimal.Decimal     `json:"total_volume"`
	PeakEquity    decimal.Decimal     `json:"peak_equity"`
	MaxDrawdown   float64             `json:"max_drawdown"`
	Volatility    float64             `json:"volatility"`
	SharpeRatio   float64             `json:"sharpe_ratio"`
	Returns       fpmath.RunningStats `json:"returns"`
	OpenPositions int                 `json:"open_positions"`
	Positions     []Position          `json:"positions"`
	Source        SnapshotSource      `json:"source"`
	CreatedAt     time.Time           `json:"created_at"`
}

// SnapshotKey is the idempotency key of a snapshot event: participant@recordedAt.
func SnapshotKey(participantID uuid.UUID, recordedAt time.Time) string {
	return participantID.String() + "@" + recordedAt.UTC().Format(time.RFC3339Nano)
}
