package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Division is the risk tier a tournament is played in.
type Division string

const (
	DivisionLowRisk  Division = "low_risk"
	DivisionMidRisk  Division = "mid_risk"
	DivisionHighRisk Division = "high_risk"
)

func (d Division) Valid() bool {
	switch d {
	case DivisionLowRisk, DivisionMidRisk, DivisionHighRisk:
		return true
	}
	return false
}

// TournamentStatus is the lifecycle state of a tournament.
type TournamentStatus string

const (
	TournamentDraft              TournamentStatus = "draft"
	TournamentRegistrationOpen   TournamentStatus = "registration_open"
	TournamentRegistrationClosed TournamentStatus = "registration_closed"
	TournamentActive             TournamentStatus = "active"
	TournamentCompleted          TournamentStatus = "completed"
	TournamentCancelled          TournamentStatus = "cancelled"
)

// IsTerminal returns true for completed and cancelled.
func (s TournamentStatus) IsTerminal() bool {
	return s == TournamentCompleted || s == TournamentCancelled
}

// CanTransitionTo validates lifecycle transitions.
// Cancelled is reachable from every non-terminal state.
func (s TournamentStatus) CanTransitionTo(next TournamentStatus) bool {
	if next == TournamentCancelled {
		return !s.IsTerminal()
	}

	transitions := map[TournamentStatus][]TournamentStatus{
		TournamentDraft:              {TournamentRegistrationOpen},
		TournamentRegistrationOpen:   {TournamentRegistrationClosed},
		TournamentRegistrationClosed: {TournamentActive},
		TournamentActive:             {TournamentCompleted},
	}

	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Tournament identifies a contest window.
type Tournament struct {
	ID                uuid.UUID        `json:"id"`
	Name              string           `json:"name"`
	Division          Division         `json:"division"`
	StartsAt          time.Time        `json:"starts_at"`
	EndsAt            time.Time        `json:"ends_at"`
	RegistrationOpen  time.Time        `json:"registration_opens_at"`
	RegistrationClose time.Time        `json:"registration_closes_at"`
	Symbols           []string         `json:"symbols"`
	StartingBalance   decimal.Decimal  `json:"starting_balance"`
	Status            TournamentStatus `json:"status"`
	RankingVersion    int64            `json:"ranking_version"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// AllowsSymbol reports whether symbol is in the tournament universe (case-insensitive).
// An empty universe admits every symbol.
func (t *Tournament) AllowsSymbol(symbol string) bool {
	if len(t.Symbols) == 0 {
		return true
	}
	for _, s := range t.Symbols {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

// AcceptsTrading reports whether new trades and snapshots may be applied.
func (t *Tournament) AcceptsTrading() bool {
	return t.Status == TournamentActive
}

// AcceptsSettlement reports whether executed trades may still be settled.
func (t *Tournament) AcceptsSettlement() bool {
	return t.Status == TournamentActive || t.Status == TournamentCompleted
}

// AcceptsRegistration reports whether new participants may join.
func (t *Tournament) AcceptsRegistration() bool {
	return t.Status == TournamentRegistrationOpen || t.Status == TournamentActive
}
