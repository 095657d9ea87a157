package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/persistence"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Archiver receives audit entries before the retention purge deletes them.
type Archiver interface {
	ArchiveAudit(ctx context.Context, entries []*ledger.AuditEntry) error
}

// Service is the append-only audit trail. Writes that belong to a ledger mutation go
// through Tx.AppendAudit inside that mutation's transaction; LogAction is for
// standalone actions.
type Service struct {
	store    ledger.Store
	retry    persistence.RetryPolicy
	archiver Archiver
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithArchiver(a Archiver) Option { return func(s *Service) { s.archiver = a } }

func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithRetryPolicy(p persistence.RetryPolicy) Option { return func(s *Service) { s.retry = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store ledger.Store, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		retry:  persistence.DefaultRetryPolicy(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewEntry builds an audit entry, encoding before/after as JSON. Nil states are omitted.
func NewEntry(actor, action, entityType, entityID string, before, after interface{}, at time.Time) *ledger.AuditEntry {
	return &ledger.AuditEntry{
		ID:         uuid.New(),
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Before:     encode(before),
		After:      encode(after),
		Timestamp:  at,
	}
}

func encode(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		// only unencodable types reach here; keep the entry and flag the state
		b, _ = json.Marshal(map[string]string{"encode_error": err.Error()})
	}
	return b
}

// LogAction appends one entry in its own transaction.
func (s *Service) LogAction(ctx context.Context, entry *ledger.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if entry.Actor == "" || entry.Action == "" || entry.EntityType == "" {
		return fmt.Errorf("%w: audit entry needs actor, action and entity type", ledger.ErrValidation)
	}

	return s.retry.Do(ctx, s.logger, "audit.log", func(ctx context.Context) error {
		return s.store.InTx(ctx, func(tx ledger.Tx) error {
			return tx.AppendAudit(ctx, entry)
		})
	})
}

// GetAuditLogs returns matching entries newest first.
func (s *Service) GetAuditLogs(ctx context.Context, f ledger.AuditFilter) ([]*ledger.AuditEntry, error) {
	f.Limit, f.Offset = ledger.NormalizePage(f.Limit, f.Offset)
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, fmt.Errorf("%w: audit range ends before it starts", ledger.ErrValidation)
	}
	return s.store.QueryAudit(ctx, f)
}

// Purge deletes entries older than the cutoff, archiving them first when an archiver
// is configured. It is the only deletion path for the audit trail and records itself.
func (s *Service) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	if s.archiver != nil {
		old, err := s.store.AuditBefore(ctx, olderThan)
		if err != nil {
			return 0, fmt.Errorf("select audit for archive: %w", err)
		}
		if err := s.archiver.ArchiveAudit(ctx, old); err != nil {
			return 0, fmt.Errorf("archive audit: %w", err)
		}
	}

	n, err := s.store.PurgeAudit(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge audit: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RetentionPurged.WithLabelValues("audit_log").Add(float64(n))
	}

	entry := NewEntry(ledger.ActorScheduler, ledger.ActionAuditPurged, ledger.EntityAudit, "", nil, nil, s.now())
	entry.Metadata = map[string]string{
		"older_than": olderThan.UTC().Format(time.RFC3339),
		"removed":    strconv.FormatInt(n, 10),
	}
	if err := s.LogAction(ctx, entry); err != nil {
		s.logger.Error().Err(err).Msg("failed to record audit purge")
	}

	s.logger.Info().
		Time("older_than", olderThan).
		Int64("removed", n).
		Msg("audit retention purge complete")
	return n, nil
}
