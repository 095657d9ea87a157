package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit actions.
const (
	ActionTradeRecorded          = "trade.recorded"
	ActionTradeStatusChanged     = "trade.status_changed"
	ActionTradeDuplicateIgnored  = "trade.duplicate_ignored"
	ActionSnapshotApplied        = "snapshot.applied"
	ActionSnapshotDuplicate      = "snapshot.duplicate_ignored"
	ActionStatusDuplicate        = "trade_status.duplicate_ignored"
	ActionEventRejected          = "event.rejected"
	ActionPerformanceRecorded    = "performance.recorded"
	ActionPerformancePurged      = "performance.purged"
	ActionRankingRecomputed      = "ranking.recomputed"
	ActionTournamentCreated      = "tournament.created"
	ActionTournamentStatus       = "tournament.status_changed"
	ActionParticipantRegistered  = "participant.registered"
	ActionParticipantDeactivated = "participant.deactivated"
	ActionAuditPurged            = "audit.purged"
)

// Entity types referenced by audit entries.
const (
	EntityTrade       = "trade"
	EntitySnapshot    = "performance_snapshot"
	EntityParticipant = "participant"
	EntityTournament  = "tournament"
	EntityEvent       = "event"
	EntityAudit       = "audit_log"
)

// System actors.
const (
	ActorIngestion = "system:ingestion"
	ActorRanking   = "system:ranking"
	ActorScheduler = "system:scheduler"
)

// AuditEntry is an immutable record of one logical action.
type AuditEntry struct {
	ID         uuid.UUID         `json:"id"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Before     json.RawMessage   `json:"before,omitempty"`
	After      json.RawMessage   `json:"after,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// AuditFilter narrows GetAuditLogs. Empty fields match everything.
type AuditFilter struct {
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// Matches reports whether e satisfies the filter, ignoring paging.
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.Timestamp.Before(*f.To) {
		return false
	}
	return true
}
