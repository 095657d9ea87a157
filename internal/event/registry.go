package event

import (
	"time"

	"ArenaLedger/internal/ledger"

	"github.com/google/uuid"
)

// Registry commands come from the tournament status feed and the participant
// registry. They are not deduplicated by key: each is idempotent by state.

// TournamentStatusChange requests a tournament lifecycle transition.
type TournamentStatusChange struct {
	TournamentID uuid.UUID               `json:"tournament_id"`
	Status       ledger.TournamentStatus `json:"status"`
	Actor        string                  `json:"actor,omitempty"`
	At           time.Time               `json:"at"`
}

func (c *TournamentStatusChange) Validate() error {
	if c.TournamentID == uuid.Nil {
		return invalid("tournament_id is required")
	}
	switch c.Status {
	case ledger.TournamentDraft, ledger.TournamentRegistrationOpen, ledger.TournamentRegistrationClosed,
		ledger.TournamentActive, ledger.TournamentCompleted, ledger.TournamentCancelled:
		return nil
	default:
		return invalid("tournament status %q", c.Status)
	}
}

// ParticipantRegistration enrolls a user into a tournament.
type ParticipantRegistration struct {
	TournamentID uuid.UUID `json:"tournament_id"`
	UserID       uuid.UUID `json:"user_id"`
	DisplayName  string    `json:"display_name,omitempty"`
	At           time.Time `json:"at"`
}

func (r *ParticipantRegistration) Validate() error {
	if r.TournamentID == uuid.Nil {
		return invalid("tournament_id is required")
	}
	if r.UserID == uuid.Nil {
		return invalid("user_id is required")
	}
	return nil
}

// DeactivationReason distinguishes operator disqualification from voluntary withdrawal.
type DeactivationReason string

const (
	ReasonDisqualified DeactivationReason = "disqualify"
	ReasonWithdrawn    DeactivationReason = "withdraw"
)

// ParticipantDeactivation soft-deactivates a participant.
type ParticipantDeactivation struct {
	ParticipantID uuid.UUID          `json:"participant_id"`
	Reason        DeactivationReason `json:"reason"`
	Actor         string             `json:"actor,omitempty"`
	Note          string             `json:"note,omitempty"`
	At            time.Time          `json:"at"`
}

func (d *ParticipantDeactivation) Validate() error {
	if d.ParticipantID == uuid.Nil {
		return invalid("participant_id is required")
	}
	if d.Reason != ReasonDisqualified && d.Reason != ReasonWithdrawn {
		return invalid("deactivation reason %q", d.Reason)
	}
	return nil
}
