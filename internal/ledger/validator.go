package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants before a participant write or after a ranking.
type InvariantValidator struct{}

func NewInvariantValidator() *InvariantValidator {
	return &InvariantValidator{}
}

// ValidateParticipant verifies totalPnl reconciles and best rank is not worse than current rank.
func (v *InvariantValidator) ValidateParticipant(p *Participant) error {
	if want := p.RealizedPnL.Add(p.UnrealizedPnL); !p.TotalPnL.Equal(want) {
		return fmt.Errorf("participant %s: total pnl %s != realized %s + unrealized %s",
			p.ID, p.TotalPnL, p.RealizedPnL, p.UnrealizedPnL)
	}
	if p.CurrentRank != nil && p.BestRank != nil && *p.BestRank > *p.CurrentRank {
		return fmt.Errorf("participant %s: best rank %d worse than current rank %d",
			p.ID, *p.BestRank, *p.CurrentRank)
	}
	if p.TradeCount < p.WinCount+p.LossCount {
		return fmt.Errorf("participant %s: %d wins + %d losses exceed %d trades",
			p.ID, p.WinCount, p.LossCount, p.TradeCount)
	}
	return nil
}

// ValidateDenseRanking verifies ranks are exactly 1..N with no duplicates.
func (v *InvariantValidator) ValidateDenseRanking(ranks []RankAssignment) error {
	seen := make(map[int]bool, len(ranks))
	for _, r := range ranks {
		if r.Rank < 1 || r.Rank > len(ranks) {
			return fmt.Errorf("rank %d out of range 1..%d", r.Rank, len(ranks))
		}
		if seen[r.Rank] {
			return fmt.Errorf("duplicate rank %d", r.Rank)
		}
		seen[r.Rank] = true
	}
	return nil
}
