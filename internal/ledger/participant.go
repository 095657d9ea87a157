package ledger

import (
	"sort"
	"strings"
	"time"

	fpmath "ArenaLedger/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Position is a participant's open exposure in one symbol.
// Quantity is signed: positive long, negative short.
type Position struct {
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	LastPrice decimal.Decimal `json:"last_price"`
	// Fees is opening commission not yet realized. It is charged to unrealized while
	// the position is open and released pro rata into realized as it closes.
	Fees decimal.Decimal `json:"fees"`
}

// IsFlat returns true if the position has no exposure.
func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// SideSign returns +1 for long, -1 for short, 0 for flat.
func (p Position) SideSign() int64 {
	return int64(p.Quantity.Sign())
}

// Unrealized marks the position to its last observed price, net of carried fees.
func (p Position) Unrealized() decimal.Decimal {
	if p.IsFlat() {
		return decimal.Zero
	}
	gross := decimal.Zero
	if !p.LastPrice.IsZero() {
		gross = fpmath.ComputeUnrealizedPnL(p.SideSign(), p.LastPrice, p.AvgPrice, p.Quantity.Abs())
	}
	return gross.Sub(p.Fees)
}

// Participant is one user's enrollment in one tournament.
type Participant struct {
	ID              uuid.UUID           `json:"id"`
	TournamentID    uuid.UUID           `json:"tournament_id"`
	UserID          uuid.UUID           `json:"user_id"`
	DisplayName     string              `json:"display_name,omitempty"`
	RegisteredAt    time.Time           `json:"registered_at"`
	StartingBalance decimal.Decimal     `json:"starting_balance"`
	CurrentBalance  decimal.Decimal     `json:"current_balance"`
	RealizedPnL     decimal.Decimal     `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal     `json:"unrealized_pnl"`
	TotalPnL        decimal.Decimal     `json:"total_pnl"`
	TotalVolume     decimal.Decimal     `json:"total_volume"`
	TradeCount      int64               `json:"trade_count"`
	WinCount        int64               `json:"win_count"`
	LossCount       int64               `json:"loss_count"`
	CurrentRank     *int                `json:"current_rank,omitempty"`
	BestRank        *int                `json:"best_rank,omitempty"`
	Active          bool                `json:"active"`
	Disqualified    bool                `json:"disqualified"`
	Positions       map[string]Position `json:"positions"`
	Version         int64               `json:"version"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// NewParticipant creates a participant funded with the tournament starting balance.
func NewParticipant(t *Tournament, userID uuid.UUID, displayName string, now time.Time) *Participant {
	return &Participant{
		ID:              uuid.New(),
		TournamentID:    t.ID,
		UserID:          userID,
		DisplayName:     displayName,
		RegisteredAt:    now,
		StartingBalance: t.StartingBalance,
		CurrentBalance:  t.StartingBalance,
		RealizedPnL:     decimal.Zero,
		UnrealizedPnL:   decimal.Zero,
		TotalPnL:        decimal.Zero,
		TotalVolume:     decimal.Zero,
		Active:          true,
		Positions:       make(map[string]Position),
		Version:         1,
		UpdatedAt:       now,
	}
}

// Clone returns a deep copy safe to mutate.
func (p *Participant) Clone() *Participant {
	c := *p
	c.Positions = make(map[string]Position, len(p.Positions))
	for k, v := range p.Positions {
		c.Positions[k] = v
	}
	if p.CurrentRank != nil {
		r := *p.CurrentRank
		c.CurrentRank = &r
	}
	if p.BestRank != nil {
		r := *p.BestRank
		c.BestRank = &r
	}
	return &c
}

// Equity is starting balance plus total PnL.
func (p *Participant) Equity() decimal.Decimal {
	return p.StartingBalance.Add(p.TotalPnL)
}

// OpenPositions returns non-flat positions ordered by symbol.
func (p *Participant) OpenPositions() []Position {
	out := make([]Position, 0, len(p.Positions))
	for _, pos := range p.Positions {
		if !pos.IsFlat() {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ApplyExecution folds an executed trade into the aggregates. It sets trade.RealizedPnL
// when the trade reduces an open position and the source did not supply one. Opening
// commission stays out of realized until the position closes, so total PnL always
// equals the cash change plus the marked value of open positions.
func (p *Participant) ApplyExecution(trade *Trade) {
	symbol := strings.ToUpper(trade.Symbol)
	pos := p.Positions[symbol]
	pos.Symbol = symbol

	fill := trade.Quantity
	if trade.Side == SideSell {
		fill = fill.Neg()
	}

	var realized *decimal.Decimal
	switch {
	case pos.IsFlat() || pos.Quantity.Sign() == fill.Sign():
		pos.AvgPrice = fpmath.ComputeAvgEntryPrice(pos.Quantity.Abs(), pos.AvgPrice, trade.Quantity, trade.Price)
		pos.Quantity = pos.Quantity.Add(fill)
		pos.Fees = pos.Fees.Add(trade.Commission)
	default:
		held := pos.Quantity.Abs()
		closeQty := decimal.Min(trade.Quantity, held)
		released := pos.Fees
		if closeQty.LessThan(held) {
			released = fpmath.Money(pos.Fees.Mul(closeQty).Div(held))
		}
		pos.Fees = pos.Fees.Sub(released)

		gross := fpmath.ComputeRealizedPnL(pos.SideSign(), trade.Price, pos.AvgPrice, closeQty)
		r := gross.Sub(trade.Commission).Sub(released)
		realized = &r

		pos.Quantity = pos.Quantity.Add(fill)
		switch {
		case pos.Quantity.IsZero():
			pos.AvgPrice = decimal.Zero
		case pos.Quantity.Sign() == fill.Sign():
			// flipped through zero; the remainder opens at the fill price
			pos.AvgPrice = trade.Price
		}
	}
	pos.LastPrice = trade.Price
	p.Positions[symbol] = pos

	if trade.RealizedPnL != nil {
		realized = trade.RealizedPnL
	} else if realized != nil {
		trade.RealizedPnL = realized
	}

	if trade.Side == SideBuy {
		p.CurrentBalance = fpmath.Money(p.CurrentBalance.Sub(trade.Notional).Sub(trade.Commission))
	} else {
		p.CurrentBalance = fpmath.Money(p.CurrentBalance.Add(trade.Notional).Sub(trade.Commission))
	}

	p.TotalVolume = p.TotalVolume.Add(trade.Notional)
	p.TradeCount++

	if realized != nil {
		p.RealizedPnL = p.RealizedPnL.Add(*realized)
		switch realized.Sign() {
		case 1:
			p.WinCount++
		case -1:
			p.LossCount++
		}
	}

	p.RemarkUnrealized()
}

// MarkPrices updates last prices for held symbols and recomputes unrealized PnL.
// Symbols without a position are ignored.
func (p *Participant) MarkPrices(marks map[string]decimal.Decimal) {
	for sym, price := range marks {
		key := strings.ToUpper(sym)
		pos, ok := p.Positions[key]
		if !ok {
			continue
		}
		pos.LastPrice = price
		p.Positions[key] = pos
	}
	p.RemarkUnrealized()
}

// RemarkUnrealized recomputes unrealized and total PnL from positions.
func (p *Participant) RemarkUnrealized() {
	unrealized := decimal.Zero
	for _, pos := range p.Positions {
		unrealized = unrealized.Add(pos.Unrealized())
	}
	p.UnrealizedPnL = unrealized
	p.Reconcile()
}

// Reconcile re-derives TotalPnL from its components.
func (p *Participant) Reconcile() {
	p.TotalPnL = p.RealizedPnL.Add(p.UnrealizedPnL)
}

// WinRate returns wins / (wins + losses), zero when no closed trades.
func (p *Participant) WinRate() decimal.Decimal {
	closed := p.WinCount + p.LossCount
	if closed == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(p.WinCount).Div(decimal.NewFromInt(closed)).Round(4)
}
