package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ArenaLedger/internal/audit"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/notify"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/persistence"
	"ArenaLedger/internal/ranking"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Ranker recomputes a tournament ranking after an applied event.
type Ranker interface {
	RecomputeRankings(ctx context.Context, tournamentID uuid.UUID) (*ranking.Update, error)
}

// Config bounds the coordinator's concurrency and retry behaviour.
type Config struct {
	MaxVersionRetry  int
	DedupCacheSize   int
	ParticipantLocks int
	Retry            persistence.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		MaxVersionRetry:  5,
		DedupCacheSize:   100_000,
		ParticipantLocks: 256,
		Retry:            persistence.DefaultRetryPolicy(),
	}
}

// Coordinator is the single entry point for ledger mutations. Each event is applied
// atomically: idempotency claim, trade/snapshot row, participant aggregates and the
// audit entry commit in one store transaction, then the ranking is recomputed.
//
// Mutations of one participant are serialized by a striped mutex within the process
// and by the aggregate version check across processes.
type Coordinator struct {
	store     ledger.Store
	ranker    Ranker
	notifier  notify.Notifier
	dedup     *DedupCache
	locks     *stripedLocks
	validator *ledger.InvariantValidator
	cfg       Config
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Coordinator)

func WithNotifier(n notify.Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

func WithMetrics(m *observability.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func NewCoordinator(store ledger.Store, ranker Ranker, cfg Config, logger zerolog.Logger, opts ...Option) *Coordinator {
	if cfg.MaxVersionRetry < 1 {
		cfg.MaxVersionRetry = 1
	}
	c := &Coordinator{
		store:     store,
		ranker:    ranker,
		notifier:  notify.Nop{},
		dedup:     NewDedupCache(cfg.DedupCacheSize),
		locks:     newStripedLocks(cfg.ParticipantLocks),
		validator: ledger.NewInvariantValidator(),
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TradeResult is the outcome of a trade or trade status event. Duplicate deliveries
// return the previously recorded trade with Duplicate set.
type TradeResult struct {
	Trade       *ledger.Trade       `json:"trade"`
	Participant *ledger.Participant `json:"participant,omitempty"`
	Duplicate   bool                `json:"duplicate"`
}

// SnapshotResult is the outcome of a performance report.
type SnapshotResult struct {
	Snapshot    *ledger.PerformanceSnapshot `json:"snapshot"`
	Participant *ledger.Participant         `json:"participant,omitempty"`
	Duplicate   bool                        `json:"duplicate"`
}

// aggregates is the audited view of a participant before and after a mutation.
type aggregates struct {
	Balance       decimal.Decimal `json:"balance"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
	TradeCount    int64           `json:"trade_count"`
	WinCount      int64           `json:"win_count"`
	LossCount     int64           `json:"loss_count"`
	Active        bool            `json:"active"`
	Version       int64           `json:"version"`
}

func summarize(p *ledger.Participant) aggregates {
	return aggregates{
		Balance:       p.CurrentBalance,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL,
		TotalPnL:      p.TotalPnL,
		TotalVolume:   p.TotalVolume,
		TradeCount:    p.TradeCount,
		WinCount:      p.WinCount,
		LossCount:     p.LossCount,
		Active:        p.Active,
		Version:       p.Version,
	}
}

// eventInfo identifies an event or command in logs, metrics, alerts and audit metadata.
type eventInfo struct {
	eventType     string
	tournamentID  uuid.UUID
	participantID uuid.UUID
	key           string
}

func infoOf(ev event.Event) eventInfo {
	meta := ev.Meta()
	return eventInfo{
		eventType:     string(ev.EventType()),
		tournamentID:  meta.TournamentID,
		participantID: meta.ParticipantID,
		key:           ev.IdempotencyKey(),
	}
}

func (i eventInfo) metadata() map[string]string {
	md := map[string]string{"event_type": i.eventType}
	if i.tournamentID != uuid.Nil {
		md["tournament_id"] = i.tournamentID.String()
	}
	if i.participantID != uuid.Nil {
		md["participant_id"] = i.participantID.String()
	}
	if i.key != "" {
		md["idempotency_key"] = i.key
	}
	return md
}

// withParticipant runs fn in a store transaction under the participant's lock,
// retrying persistence failures per the retry policy and version conflicts up to
// MaxVersionRetry times.
func (c *Coordinator) withParticipant(ctx context.Context, participantID uuid.UUID, op string, fn func(ctx context.Context, tx ledger.Tx) error) error {
	lock := c.locks.For(participantID)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 1; ; attempt++ {
		err := c.cfg.Retry.Do(ctx, c.logger, op, func(ctx context.Context) error {
			return c.store.InTx(ctx, func(tx ledger.Tx) error { return fn(ctx, tx) })
		})
		if !errors.Is(err, ledger.ErrVersionConflict) {
			return err
		}
		if c.metrics != nil {
			c.metrics.VersionConflicts.Inc()
		}
		c.logger.Debug().Str("op", op).Int("attempt", attempt).Msg("participant version conflict")
		if attempt >= c.cfg.MaxVersionRetry {
			return fmt.Errorf("%w: %s: %d version conflicts: %v", ledger.ErrPersistence, op, attempt, err)
		}
	}
}

// resolve loads the participant and tournament an event is addressed to. The pair
// must resolve to an active participant of that tournament.
func resolve(ctx context.Context, tx ledger.Tx, tournamentID, participantID uuid.UUID) (*ledger.Tournament, *ledger.Participant, error) {
	p, err := tx.GetParticipant(ctx, participantID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ledger.ErrUnknownParticipant, participantID)
		}
		return nil, nil, err
	}
	if p.TournamentID != tournamentID {
		return nil, nil, fmt.Errorf("%w: %s is not enrolled in tournament %s", ledger.ErrUnknownParticipant, participantID, tournamentID)
	}
	if !p.Active {
		return nil, nil, fmt.Errorf("%w: %s is inactive", ledger.ErrUnknownParticipant, participantID)
	}

	t, err := tx.GetTournament(ctx, tournamentID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: tournament %s", ledger.ErrUnknownParticipant, tournamentID)
		}
		return nil, nil, err
	}
	return t, p, nil
}

// checkUnclaimed fails with ErrDuplicateEvent when the key was already applied. It runs
// before state gates so a redelivery after the tournament closed still reads as a
// duplicate. ClaimEvent remains the authoritative check.
func checkUnclaimed(ctx context.Context, tx ledger.Tx, tournamentID uuid.UUID, key string) error {
	_, err := tx.GetProcessedEvent(ctx, tournamentID, key)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateEvent, key)
	case errors.Is(err, ledger.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (c *Coordinator) claim(ctx context.Context, tx ledger.Tx, ev event.Event, entityID uuid.UUID, at time.Time) error {
	meta := ev.Meta()
	return tx.ClaimEvent(ctx, ledger.ProcessedEvent{
		TournamentID:   meta.TournamentID,
		IdempotencyKey: ev.IdempotencyKey(),
		EventType:      string(ev.EventType()),
		EntityID:       entityID,
		AppliedAt:      at,
	})
}

// updateParticipant validates invariants and writes p with a version check.
func (c *Coordinator) updateParticipant(ctx context.Context, tx ledger.Tx, p *ledger.Participant, expectedVersion int64) error {
	if err := c.validator.ValidateParticipant(p); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrValidation, err)
	}
	return tx.UpdateParticipant(ctx, p, expectedVersion)
}

// appendAudit writes a standalone audit entry, logging rather than failing the caller.
func (c *Coordinator) appendAudit(ctx context.Context, entry *ledger.AuditEntry) {
	err := c.cfg.Retry.Do(ctx, c.logger, "audit.append", func(ctx context.Context) error {
		return c.store.InTx(ctx, func(tx ledger.Tx) error { return tx.AppendAudit(ctx, entry) })
	})
	if err != nil {
		c.logger.Error().Err(err).Str("action", entry.Action).Msg("failed to write audit entry")
	}
}

// duplicateOf is a redelivery recognised by the entity it would have created rather
// than by its idempotency key, e.g. a trade resent under a new delivery key.
type duplicateOf struct {
	entityID  uuid.UUID
	appliedAt time.Time
}

func (d *duplicateOf) Error() string {
	return fmt.Sprintf("%s: already recorded as %s", ledger.ErrDuplicateEvent, d.entityID)
}

func (d *duplicateOf) Unwrap() error { return ledger.ErrDuplicateEvent }

// storeDuplicate finishes a duplicate detected inside the transaction. Only key-level
// duplicates enter the LRU: an entity-level match has no claim under this key.
func (c *Coordinator) storeDuplicate(info eventInfo, cause error) {
	var dup *duplicateOf
	if !errors.As(cause, &dup) {
		c.dedup.Add(info.tournamentID, info.key)
	}
}

// duplicate records a duplicate delivery and returns the original claim. cause is the
// error that detected it; nil for the LRU fast path.
func (c *Coordinator) duplicate(ctx context.Context, info eventInfo, cause error, action, entityType, tier string) (*ledger.ProcessedEvent, error) {
	var (
		claim *ledger.ProcessedEvent
		dup   *duplicateOf
	)
	matchedBy := "key"
	if errors.As(cause, &dup) {
		matchedBy = "entity"
		claim = &ledger.ProcessedEvent{
			TournamentID:   info.tournamentID,
			IdempotencyKey: info.key,
			EventType:      info.eventType,
			EntityID:       dup.entityID,
			AppliedAt:      dup.appliedAt,
		}
	} else {
		var err error
		claim, err = c.store.GetProcessedEvent(ctx, info.tournamentID, info.key)
		if err != nil {
			return nil, fmt.Errorf("load claim %q: %w", info.key, err)
		}
	}

	if c.metrics != nil {
		c.metrics.EventDuplicates.WithLabelValues(info.eventType, tier).Inc()
	}
	entry := audit.NewEntry(ledger.ActorIngestion, action, entityType, claim.EntityID.String(), nil, nil, c.now())
	entry.Metadata = info.metadata()
	entry.Metadata["tier"] = tier
	entry.Metadata["matched_by"] = matchedBy
	entry.Metadata["first_applied_at"] = claim.AppliedAt.UTC().Format(time.RFC3339Nano)
	c.appendAudit(ctx, entry)

	c.logger.Info().
		Str("event_type", info.eventType).
		Str("idempotency_key", info.key).
		Str("tier", tier).
		Str("matched_by", matchedBy).
		Msg("duplicate event ignored")
	return claim, nil
}

// reject audits and alerts on a permanent rejection and returns err unchanged.
func (c *Coordinator) reject(ctx context.Context, info eventInfo, err error) error {
	reason := ledger.Reason(err)
	if c.metrics != nil {
		c.metrics.EventsRejected.WithLabelValues(info.eventType, reason).Inc()
	}

	entityID := info.key
	if entityID == "" && info.participantID != uuid.Nil {
		entityID = info.participantID.String()
	}
	entry := audit.NewEntry(ledger.ActorIngestion, ledger.ActionEventRejected, ledger.EntityEvent, entityID, nil, nil, c.now())
	entry.Metadata = info.metadata()
	entry.Metadata["reason"] = reason
	entry.Metadata["error"] = err.Error()
	c.appendAudit(ctx, entry)

	c.notifier.NotifyRejection(ctx, notify.Rejection{
		EventType:      info.eventType,
		TournamentID:   uuidString(info.tournamentID),
		ParticipantID:  uuidString(info.participantID),
		IdempotencyKey: info.key,
		Reason:         reason,
		Detail:         err.Error(),
		At:             entry.Timestamp,
	})

	c.logger.Warn().
		Err(err).
		Str("event_type", info.eventType).
		Str("idempotency_key", info.key).
		Str("reason", reason).
		Msg("event rejected")
	return err
}

func (c *Coordinator) failed(info eventInfo, err error) error {
	if c.metrics != nil {
		c.metrics.PersistErrors.WithLabelValues(ledger.Reason(err)).Inc()
	}
	c.logger.Error().
		Err(err).
		Str("event_type", info.eventType).
		Str("idempotency_key", info.key).
		Bool("retryable", ledger.IsRetryable(err)).
		Msg("event not applied")
	return err
}

// applied finishes a committed event: dedup cache, metrics, ranking.
func (c *Coordinator) applied(ctx context.Context, info eventInfo, start time.Time) {
	c.dedup.Add(info.tournamentID, info.key)
	if c.metrics != nil {
		c.metrics.EventsApplied.WithLabelValues(info.eventType).Inc()
		c.metrics.EventDuration.WithLabelValues(info.eventType).Observe(time.Since(start).Seconds())
		c.metrics.DedupLRUSize.Set(float64(c.dedup.Size()))
	}
	c.recompute(ctx, info.tournamentID)
}

// recompute runs the ranking synchronously. Failures are logged by the ranker and
// never surface to the event's caller.
func (c *Coordinator) recompute(ctx context.Context, tournamentID uuid.UUID) {
	if c.ranker == nil {
		return
	}
	if _, err := c.ranker.RecomputeRankings(ctx, tournamentID); err != nil {
		c.logger.Warn().Err(err).Str("tournament_id", tournamentID.String()).Msg("ranking not refreshed")
	}
}

func uuidString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
