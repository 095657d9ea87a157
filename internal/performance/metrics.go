package performance

import (
	"time"

	"ArenaLedger/internal/ledger"
	fpmath "ArenaLedger/internal/math"

	"github.com/google/uuid"
)

// Derive builds the next snapshot of p from the previous one (nil for the first).
// Risk metrics are carried forward in O(1):
//
//	equity      = starting balance + total pnl
//	drawdown    = (peak - equity) / peak, max over the series
//	returns     = (equity - prev equity) / prev equity, Welford mean/variance
//	volatility  = sample stddev of returns
//	sharpe      = mean / stddev of returns, no risk-free rate
func Derive(prev *ledger.PerformanceSnapshot, p *ledger.Participant, at time.Time, source ledger.SnapshotSource) *ledger.PerformanceSnapshot {
	equity := p.Equity()
	equityF := equity.InexactFloat64()

	peak := equity
	returns := fpmath.RunningStats{}
	maxDD := 0.0

	if prev != nil {
		returns = prev.Returns
		maxDD = prev.MaxDrawdown
		if prev.PeakEquity.GreaterThan(peak) {
			peak = prev.PeakEquity
		}
		if r, ok := fpmath.PeriodReturn(prev.Equity.InexactFloat64(), equityF); ok {
			returns = returns.Add(r)
		}
	}

	if dd := fpmath.Drawdown(peak.InexactFloat64(), equityF); dd > maxDD {
		maxDD = dd
	}

	positions := p.OpenPositions()
	return &ledger.PerformanceSnapshot{
		ID:            uuid.New(),
		ParticipantID: p.ID,
		TournamentID:  p.TournamentID,
		RecordedAt:    at,
		TotalPnL:      p.TotalPnL,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL,
		Balance:       p.CurrentBalance,
		Equity:        equity,
		TradeCount:    p.TradeCount,
		WinCount:      p.WinCount,
		LossCount:     p.LossCount,
		TotalVolume:   p.TotalVolume,
		PeakEquity:    peak,
		MaxDrawdown:   maxDD,
		Volatility:    returns.StdDev(),
		SharpeRatio:   returns.SharpeLike(),
		Returns:       returns,
		OpenPositions: len(positions),
		Positions:     positions,
		Source:        source,
		CreatedAt:     at,
	}
}
