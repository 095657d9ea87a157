package performance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ArenaLedger/internal/audit"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/persistence"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultRetentionDays is the snapshot horizon used when none is configured.
const DefaultRetentionDays = 90

// Archiver receives snapshots before the retention purge deletes them.
type Archiver interface {
	ArchiveSnapshots(ctx context.Context, snaps []*ledger.PerformanceSnapshot) error
}

// Recorder writes and reads the per-participant performance time series.
type Recorder struct {
	store    ledger.Store
	retry    persistence.RetryPolicy
	archiver Archiver
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Recorder)

func WithArchiver(a Archiver) Option { return func(r *Recorder) { r.archiver = a } }

func WithMetrics(m *observability.Metrics) Option { return func(r *Recorder) { r.metrics = m } }

func WithRetryPolicy(p persistence.RetryPolicy) Option { return func(r *Recorder) { r.retry = p } }

func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

func NewRecorder(store ledger.Store, logger zerolog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:  store,
		retry:  persistence.DefaultRetryPolicy(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Request describes one snapshot to record. A zero RecordedAt means now.
type Request struct {
	ParticipantID uuid.UUID
	RecordedAt    time.Time
	Source        ledger.SnapshotSource
	Actor         string
}

// RecordPerformance snapshots the participant's current aggregates. Snapshots are
// immutable; a second snapshot at the same instant fails with ErrDuplicateEvent.
func (r *Recorder) RecordPerformance(ctx context.Context, req Request) (*ledger.PerformanceSnapshot, error) {
	if req.ParticipantID == uuid.Nil {
		return nil, fmt.Errorf("%w: participant id is required", ledger.ErrValidation)
	}
	at := req.RecordedAt
	if at.IsZero() {
		at = r.now()
	}
	source := req.Source
	if source == "" {
		source = ledger.SnapshotSourceManual
	}
	actor := req.Actor
	if actor == "" {
		actor = ledger.ActorScheduler
	}

	var snap *ledger.PerformanceSnapshot
	err := r.retry.Do(ctx, r.logger, "performance.record", func(ctx context.Context) error {
		return r.store.InTx(ctx, func(tx ledger.Tx) error {
			p, err := tx.GetParticipant(ctx, req.ParticipantID)
			if err != nil {
				if errors.Is(err, ledger.ErrNotFound) {
					return fmt.Errorf("%w: %s", ledger.ErrUnknownParticipant, req.ParticipantID)
				}
				return err
			}
			snap, err = RecordInTx(ctx, tx, p, at, source)
			if err != nil {
				return err
			}
			return tx.AppendAudit(ctx, audit.NewEntry(actor, ledger.ActionPerformanceRecorded,
				ledger.EntitySnapshot, snap.ID.String(), nil, snap, at))
		})
	})
	if err != nil {
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.SnapshotsTaken.Inc()
	}
	return snap, nil
}

// RecordInTx derives and inserts the next snapshot for p inside an open transaction.
// The coordinator uses it so a snapshot event and its ledger effects commit together.
func RecordInTx(ctx context.Context, tx ledger.Tx, p *ledger.Participant, at time.Time, source ledger.SnapshotSource) (*ledger.PerformanceSnapshot, error) {
	prev, err := tx.LatestSnapshot(ctx, p.ID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}
	snap := Derive(prev, p, at, source)
	if err := tx.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// GetLatestPerformance returns the most recent snapshot.
func (r *Recorder) GetLatestPerformance(ctx context.Context, participantID uuid.UUID) (*ledger.PerformanceSnapshot, error) {
	return r.store.LatestSnapshot(ctx, participantID)
}

// GetPerformanceHistory returns up to limit snapshots, newest first.
func (r *Recorder) GetPerformanceHistory(ctx context.Context, participantID uuid.UUID, limit int) ([]*ledger.PerformanceSnapshot, error) {
	limit, _ = ledger.NormalizePage(limit, 0)
	return r.store.SnapshotHistory(ctx, participantID, limit)
}

// CaptureTournament snapshots every active participant of a tournament at one instant.
// Failures for single participants are logged and skipped.
func (r *Recorder) CaptureTournament(ctx context.Context, tournamentID uuid.UUID) (int, error) {
	participants, err := r.store.ListParticipants(ctx, tournamentID)
	if err != nil {
		return 0, fmt.Errorf("list participants: %w", err)
	}

	at := r.now()
	captured := 0
	for _, p := range participants {
		if !p.Active {
			continue
		}
		_, err := r.RecordPerformance(ctx, Request{
			ParticipantID: p.ID,
			RecordedAt:    at,
			Source:        ledger.SnapshotSourceCapture,
		})
		switch {
		case err == nil:
			captured++
		case errors.Is(err, ledger.ErrDuplicateEvent):
		default:
			r.logger.Warn().Err(err).
				Str("participant_id", p.ID.String()).
				Msg("capture failed")
		}
	}

	r.logger.Debug().
		Str("tournament_id", tournamentID.String()).
		Int("captured", captured).
		Msg("tournament performance captured")
	return captured, nil
}

// CleanupOldPerformanceData purges snapshots older than daysToKeep (default 90).
// Failures are logged and returned; callers treat them as non-fatal.
func (r *Recorder) CleanupOldPerformanceData(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		daysToKeep = DefaultRetentionDays
	}
	cutoff := r.now().AddDate(0, 0, -daysToKeep)

	if r.archiver != nil {
		old, err := r.store.SnapshotsBefore(ctx, cutoff)
		if err != nil {
			r.logger.Error().Err(err).Msg("select snapshots for archive")
			return 0, err
		}
		if err := r.archiver.ArchiveSnapshots(ctx, old); err != nil {
			r.logger.Error().Err(err).Msg("archive snapshots")
			return 0, err
		}
	}

	n, err := r.store.PurgeSnapshots(ctx, cutoff)
	if err != nil {
		r.logger.Error().Err(err).Time("cutoff", cutoff).Msg("performance cleanup failed")
		return 0, err
	}
	if r.metrics != nil {
		r.metrics.RetentionPurged.WithLabelValues("performance_snapshots").Add(float64(n))
	}

	entry := audit.NewEntry(ledger.ActorScheduler, ledger.ActionPerformancePurged, ledger.EntitySnapshot, "", nil, nil, r.now())
	entry.Metadata = map[string]string{
		"days_to_keep": strconv.Itoa(daysToKeep),
		"removed":      strconv.FormatInt(n, 10),
	}
	if err := r.store.InTx(ctx, func(tx ledger.Tx) error { return tx.AppendAudit(ctx, entry) }); err != nil {
		r.logger.Error().Err(err).Msg("failed to record performance purge")
	}

	r.logger.Info().Int("days_to_keep", daysToKeep).Int64("removed", n).Msg("performance cleanup complete")
	return n, nil
}
