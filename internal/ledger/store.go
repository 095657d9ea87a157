package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProcessedEvent is the durable idempotency claim for one applied event.
type ProcessedEvent struct {
	TournamentID   uuid.UUID `json:"tournament_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	EventType      string    `json:"event_type"`
	EntityID       uuid.UUID `json:"entity_id"`
	AppliedAt      time.Time `json:"applied_at"`
}

// RankAssignment is one row of a computed ranking.
type RankAssignment struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	Rank          int       `json:"rank"`
}

// Reader holds the read paths shared by Store and Tx.
type Reader interface {
	GetTournament(ctx context.Context, id uuid.UUID) (*Tournament, error)
	GetParticipant(ctx context.Context, id uuid.UUID) (*Participant, error)
	ListParticipants(ctx context.Context, tournamentID uuid.UUID) ([]*Participant, error)
	GetTrade(ctx context.Context, id uuid.UUID) (*Trade, error)
	GetTradeByExternalID(ctx context.Context, tournamentID uuid.UUID, externalID string) (*Trade, error)
	GetSnapshot(ctx context.Context, id uuid.UUID) (*PerformanceSnapshot, error)
	LatestSnapshot(ctx context.Context, participantID uuid.UUID) (*PerformanceSnapshot, error)
	// SnapshotAt returns the participant's snapshot recorded at exactly recordedAt.
	SnapshotAt(ctx context.Context, participantID uuid.UUID, recordedAt time.Time) (*PerformanceSnapshot, error)
	GetProcessedEvent(ctx context.Context, tournamentID uuid.UUID, key string) (*ProcessedEvent, error)
}

// Tx is a unit of work. Everything written through one Tx commits or rolls back together.
type Tx interface {
	Reader

	// ClaimEvent records an idempotency key. Returns ErrDuplicateEvent if the key
	// was already claimed; concurrent claims of the same key resolve to exactly one winner.
	ClaimEvent(ctx context.Context, ev ProcessedEvent) error

	InsertTournament(ctx context.Context, t *Tournament) error
	UpdateTournamentStatus(ctx context.Context, id uuid.UUID, from, to TournamentStatus, at time.Time) error
	BumpRankingVersion(ctx context.Context, id uuid.UUID) (int64, error)

	InsertParticipant(ctx context.Context, p *Participant) error
	// UpdateParticipant writes financial aggregates, positions and flags when the stored
	// version equals expectedVersion, then bumps p.Version. Rank columns are untouched.
	UpdateParticipant(ctx context.Context, p *Participant, expectedVersion int64) error
	// ApplyRanking writes current ranks for ranked participants, clears the rank of every
	// other participant in the tournament and lowers best rank where the new rank is better.
	ApplyRanking(ctx context.Context, tournamentID uuid.UUID, ranks []RankAssignment) error

	InsertTrade(ctx context.Context, t *Trade) error
	UpdateTrade(ctx context.Context, t *Trade) error

	InsertSnapshot(ctx context.Context, s *PerformanceSnapshot) error
	AppendAudit(ctx context.Context, e *AuditEntry) error
}

// Store is the ledger persistence boundary.
type Store interface {
	Reader

	// InTx runs fn in one transaction. Any error from fn rolls back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ListTournaments(ctx context.Context) ([]*Tournament, error)
	ListTrades(ctx context.Context, f TradeFilter) ([]*Trade, error)
	GetTradingStatistics(ctx context.Context, f StatsFilter) (*TradingStatistics, error)
	// GetLeaderboard returns ranked participants ordered by current rank.
	GetLeaderboard(ctx context.Context, tournamentID uuid.UUID, limit, offset int) ([]*Participant, error)
	SnapshotHistory(ctx context.Context, participantID uuid.UUID, limit int) ([]*PerformanceSnapshot, error)
	QueryAudit(ctx context.Context, f AuditFilter) ([]*AuditEntry, error)

	// Retention. Purge* deletes rows strictly older than before; Select* returns them
	// first so they can be archived.
	SnapshotsBefore(ctx context.Context, before time.Time) ([]*PerformanceSnapshot, error)
	PurgeSnapshots(ctx context.Context, before time.Time) (int64, error)
	AuditBefore(ctx context.Context, before time.Time) ([]*AuditEntry, error)
	PurgeAudit(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
