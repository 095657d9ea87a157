package ranking

import (
	"sort"

	"ArenaLedger/internal/ledger"
)

// Compute ranks the active, non-disqualified participants: total PnL descending,
// then earlier registration, then participant id. Ranks are dense 1..N.
// Inactive participants get no assignment.
func Compute(participants []*ledger.Participant) []ledger.RankAssignment {
	eligible := make([]*ledger.Participant, 0, len(participants))
	for _, p := range participants {
		if p.Active && !p.Disqualified {
			eligible = append(eligible, p)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool { return Less(eligible[i], eligible[j]) })

	out := make([]ledger.RankAssignment, len(eligible))
	for i, p := range eligible {
		out[i] = ledger.RankAssignment{ParticipantID: p.ID, Rank: i + 1}
	}
	return out
}

// Less reports whether a ranks ahead of b.
func Less(a, b *ledger.Participant) bool {
	if c := a.TotalPnL.Cmp(b.TotalPnL); c != 0 {
		return c > 0
	}
	if !a.RegisteredAt.Equal(b.RegisteredAt) {
		return a.RegisteredAt.Before(b.RegisteredAt)
	}
	return a.ID.String() < b.ID.String()
}
