package event

import (
	"fmt"
	"time"

	"ArenaLedger/internal/ledger"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType string

const (
	EventTypeTrade                  EventType = "trade"
	EventTypeSnapshot               EventType = "snapshot"
	EventTypeTradeStatus            EventType = "trade_status"
	EventTypeTournamentStatus       EventType = "tournament_status"
	EventTypeParticipantRegistered  EventType = "participant_registered"
	EventTypeParticipantDeactivated EventType = "participant_deactivated"
)

func (et EventType) String() string { return string(et) }

// Envelope is carried by every inbound event.
type Envelope struct {
	TournamentID  uuid.UUID `json:"tournament_id"`
	ParticipantID uuid.UUID `json:"participant_id"`

	// Key overrides the derived idempotency key when the source supplies one.
	Key string `json:"idempotency_key,omitempty"`

	// When the receiver accepted the event. Not used for ordering.
	ReceivedAt time.Time `json:"received_at"`
}

// Event is the interface all ledger-mutating event payloads implement.
type Event interface {
	// IdempotencyKey returns the stable dedup key, unique within a tournament.
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Meta returns the routing envelope.
	Meta() Envelope

	// Validate checks the payload in isolation. Tournament-dependent checks
	// (symbol universe, status) belong to the coordinator.
	Validate() error
}

// Meta returns the envelope itself; payload types embed Envelope to satisfy Event.
func (e Envelope) Meta() Envelope { return e }

func (e Envelope) validate() error {
	if e.TournamentID == uuid.Nil {
		return invalid("tournament_id is required")
	}
	if e.ParticipantID == uuid.Nil {
		return invalid("participant_id is required")
	}
	return nil
}

func (e Envelope) keyOr(derived string) string {
	if e.Key != "" {
		return e.Key
	}
	return derived
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ledger.ErrValidation, fmt.Sprintf(format, args...))
}
