package ledger

import (
	"errors"
)

// Error taxonomy. Callers classify with errors.Is; details are wrapped with %w.
var (
	// ErrValidation: malformed or out-of-range event data. Rejected, never retried.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateEvent: the idempotency key was already applied. Treated as success.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrUnknownParticipant: participant missing, inactive, or in another tournament.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrTournamentNotActive: tournament does not accept this event in its current status.
	ErrTournamentNotActive = errors.New("tournament not active")

	// ErrInvalidTransition: trade or tournament status machine violation.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrPersistence: transient store failure. Retryable by the caller.
	ErrPersistence = errors.New("persistence failure")

	// ErrVersionConflict: optimistic concurrency check on participant aggregates failed.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotFound: requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// IsRetryable reports whether err is a transient failure the caller may redeliver.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsRejection reports whether err is a permanent rejection that must be audit-logged
// and surfaced to the operator rather than retried.
func IsRejection(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnknownParticipant) ||
		errors.Is(err, ErrTournamentNotActive) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotFound)
}

// Reason returns a short label for metrics and audit metadata.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrDuplicateEvent):
		return "duplicate"
	case errors.Is(err, ErrUnknownParticipant):
		return "unknown_participant"
	case errors.Is(err, ErrTournamentNotActive):
		return "tournament_not_active"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}
