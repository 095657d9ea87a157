package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Page bounds.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// NormalizePage applies the default page size and clamps limit and offset.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// TradeFilter narrows ListTrades. Nil and zero fields match everything. Symbol
// matches case-insensitively; stored symbols are upper case.
type TradeFilter struct {
	TournamentID  *uuid.UUID
	ParticipantID *uuid.UUID
	Symbol        string
	Side          Side
	Status        TradeStatus
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

// Matches reports whether t satisfies the filter, ignoring paging.
// The time window applies to CreatedAt.
func (f TradeFilter) Matches(t *Trade) bool {
	if f.TournamentID != nil && t.TournamentID != *f.TournamentID {
		return false
	}
	if f.ParticipantID != nil && t.ParticipantID != *f.ParticipantID {
		return false
	}
	if f.Symbol != "" && !strings.EqualFold(t.Symbol, f.Symbol) {
		return false
	}
	if f.Side != "" && t.Side != f.Side {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.From != nil && t.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !t.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

// StatsFilter narrows GetTradingStatistics.
type StatsFilter struct {
	TournamentID  *uuid.UUID
	ParticipantID *uuid.UUID
	Symbol        string
	From          *time.Time
	To            *time.Time
}

// TradeFilter converts the statistics filter into an unpaged trade filter.
func (f StatsFilter) TradeFilter() TradeFilter {
	return TradeFilter{
		TournamentID:  f.TournamentID,
		ParticipantID: f.ParticipantID,
		Symbol:        f.Symbol,
		From:          f.From,
		To:            f.To,
	}
}

// TradingStatistics aggregates trades on read. Counters only consider trades
// that reached executed (executed or settled).
type TradingStatistics struct {
	TotalTrades      int64            `json:"total_trades"`
	ExecutedTrades   int64            `json:"executed_trades"`
	PendingTrades    int64            `json:"pending_trades"`
	BuyTrades        int64            `json:"buy_trades"`
	SellTrades       int64            `json:"sell_trades"`
	TotalVolume      decimal.Decimal  `json:"total_volume"`
	TotalCommission  decimal.Decimal  `json:"total_commission"`
	RealizedPnL      decimal.Decimal  `json:"realized_pnl"`
	WinCount         int64            `json:"win_count"`
	LossCount        int64            `json:"loss_count"`
	WinRate          decimal.Decimal  `json:"win_rate"`
	AverageTradeSize decimal.Decimal  `json:"average_trade_size"`
	BestTrade        *decimal.Decimal `json:"best_trade,omitempty"`
	WorstTrade       *decimal.Decimal `json:"worst_trade,omitempty"`
}

// NewTradingStatistics returns zeroed statistics.
func NewTradingStatistics() *TradingStatistics {
	return &TradingStatistics{
		TotalVolume:      decimal.Zero,
		TotalCommission:  decimal.Zero,
		RealizedPnL:      decimal.Zero,
		WinRate:          decimal.Zero,
		AverageTradeSize: decimal.Zero,
	}
}

// Add folds one trade into the statistics.
func (s *TradingStatistics) Add(t *Trade) {
	s.TotalTrades++
	if t.Status == TradeStatusPending {
		s.PendingTrades++
	}
	if t.Status != TradeStatusExecuted && t.Status != TradeStatusSettled {
		return
	}
	s.ExecutedTrades++
	if t.Side == SideBuy {
		s.BuyTrades++
	} else {
		s.SellTrades++
	}
	s.TotalVolume = s.TotalVolume.Add(t.Notional)
	s.TotalCommission = s.TotalCommission.Add(t.Commission)
	if t.RealizedPnL == nil {
		return
	}
	pnl := *t.RealizedPnL
	s.RealizedPnL = s.RealizedPnL.Add(pnl)
	switch pnl.Sign() {
	case 1:
		s.WinCount++
	case -1:
		s.LossCount++
	}
	if s.BestTrade == nil || pnl.GreaterThan(*s.BestTrade) {
		v := pnl
		s.BestTrade = &v
	}
	if s.WorstTrade == nil || pnl.LessThan(*s.WorstTrade) {
		v := pnl
		s.WorstTrade = &v
	}
}

// Finalize derives win rate and average trade size from the counters.
func (s *TradingStatistics) Finalize() {
	if closed := s.WinCount + s.LossCount; closed > 0 {
		s.WinRate = decimal.NewFromInt(s.WinCount).Div(decimal.NewFromInt(closed)).Round(4)
	}
	if s.ExecutedTrades > 0 {
		s.AverageTradeSize = s.TotalVolume.Div(decimal.NewFromInt(s.ExecutedTrades)).Round(8)
	}
}
