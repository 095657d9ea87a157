package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ArenaLedger/internal/audit"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/performance"
)

// ApplySnapshotEvent applies a performance report: reported figures replace the
// ledger's own, marks re-price open positions, and an immutable performance snapshot
// is recorded at the report's timestamp.
//
// A reported unrealized PnL holds until the next execution re-marks positions.
func (c *Coordinator) ApplySnapshotEvent(ctx context.Context, ev *event.PerformanceReport) (*SnapshotResult, error) {
	start := time.Now()
	info := infoOf(ev)

	if err := ev.Validate(); err != nil {
		return nil, c.reject(ctx, info, err)
	}
	if c.dedup.Contains(info.tournamentID, info.key) {
		return c.duplicateSnapshot(ctx, info, nil, "lru")
	}

	var res SnapshotResult
	err := c.withParticipant(ctx, info.participantID, "snapshot.apply", func(ctx context.Context, tx ledger.Tx) error {
		return c.applySnapshot(ctx, tx, ev, &res)
	})
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicateEvent):
		err = c.snapshotConflict(ctx, ev, err)
		if ledger.IsRejection(err) {
			return nil, c.reject(ctx, info, err)
		}
		c.storeDuplicate(info, err)
		return c.duplicateSnapshot(ctx, info, err, "store")
	case ledger.IsRejection(err):
		return nil, c.reject(ctx, info, err)
	default:
		return nil, c.failed(info, err)
	}

	if c.metrics != nil {
		c.metrics.SnapshotsTaken.Inc()
	}
	c.logger.Info().
		Str("snapshot_id", res.Snapshot.ID.String()).
		Str("participant_id", info.participantID.String()).
		Str("total_pnl", res.Participant.TotalPnL.String()).
		Msg("snapshot applied")
	c.applied(ctx, info, start)
	return &res, nil
}

func (c *Coordinator) applySnapshot(ctx context.Context, tx ledger.Tx, ev *event.PerformanceReport, res *SnapshotResult) error {
	meta := ev.Meta()
	if err := checkUnclaimed(ctx, tx, meta.TournamentID, ev.IdempotencyKey()); err != nil {
		return err
	}
	if existing, err := tx.SnapshotAt(ctx, meta.ParticipantID, ev.RecordedAt); err == nil {
		return occupiedSlot(existing)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	tour, p, err := resolve(ctx, tx, meta.TournamentID, meta.ParticipantID)
	if err != nil {
		return err
	}
	if !tour.AcceptsTrading() {
		return fmt.Errorf("%w: tournament %s is %s", ledger.ErrTournamentNotActive, tour.ID, tour.Status)
	}
	for sym := range ev.Marks {
		if !tour.AllowsSymbol(sym) {
			return fmt.Errorf("%w: mark for %q is outside the tournament universe", ledger.ErrValidation, sym)
		}
	}

	now := c.now()
	before := summarize(p)

	if len(ev.Marks) > 0 {
		p.MarkPrices(ev.Marks)
	}
	if ev.RealizedPnL != nil {
		p.RealizedPnL = *ev.RealizedPnL
	}
	if ev.UnrealizedPnL != nil {
		p.UnrealizedPnL = *ev.UnrealizedPnL
	}
	p.Reconcile()
	if ev.TotalPnL != nil && !ev.TotalPnL.Equal(p.TotalPnL) {
		return fmt.Errorf("%w: reported total pnl %s does not reconcile with realized %s + unrealized %s",
			ledger.ErrValidation, ev.TotalPnL, p.RealizedPnL, p.UnrealizedPnL)
	}
	if ev.Balance != nil {
		p.CurrentBalance = *ev.Balance
	}
	p.UpdatedAt = now

	if err := c.updateParticipant(ctx, tx, p, before.Version); err != nil {
		return err
	}

	snap, err := performance.RecordInTx(ctx, tx, p, ev.RecordedAt, ledger.SnapshotSourceEvent)
	if err != nil {
		return err
	}
	if err := c.claim(ctx, tx, ev, snap.ID, now); err != nil {
		return err
	}

	entry := audit.NewEntry(ledger.ActorIngestion, ledger.ActionSnapshotApplied, ledger.EntitySnapshot,
		snap.ID.String(), before, summarize(p), now)
	entry.Metadata = infoOf(ev).metadata()
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return err
	}

	res.Snapshot = snap
	res.Participant = p
	return nil
}

// occupiedSlot handles a report whose instant already holds a snapshot. An
// event-sourced snapshot there is the same report under another key; a captured or
// manual one conflicts, since snapshots are immutable.
func occupiedSlot(existing *ledger.PerformanceSnapshot) error {
	if existing.Source != ledger.SnapshotSourceEvent {
		return fmt.Errorf("%w: a %s snapshot is already recorded at %s",
			ledger.ErrValidation, existing.Source, existing.RecordedAt.UTC().Format(time.RFC3339Nano))
	}
	return &duplicateOf{entityID: existing.ID, appliedAt: existing.CreatedAt}
}

// snapshotConflict explains a duplicate raised by the store when the slot was taken
// concurrently and no claim exists under this key.
func (c *Coordinator) snapshotConflict(ctx context.Context, ev *event.PerformanceReport, cause error) error {
	var dup *duplicateOf
	if errors.As(cause, &dup) {
		return cause
	}
	meta := ev.Meta()
	if _, err := c.store.GetProcessedEvent(ctx, meta.TournamentID, ev.IdempotencyKey()); err == nil {
		return cause
	}
	existing, err := c.store.SnapshotAt(ctx, meta.ParticipantID, ev.RecordedAt)
	if err != nil {
		return cause
	}
	return occupiedSlot(existing)
}

func (c *Coordinator) duplicateSnapshot(ctx context.Context, info eventInfo, cause error, tier string) (*SnapshotResult, error) {
	claim, err := c.duplicate(ctx, info, cause, ledger.ActionSnapshotDuplicate, ledger.EntitySnapshot, tier)
	if err != nil {
		return nil, c.failed(info, err)
	}
	snap, err := c.store.GetSnapshot(ctx, claim.EntityID)
	if err != nil {
		return nil, c.failed(info, fmt.Errorf("load duplicate snapshot: %w", err))
	}
	return &SnapshotResult{Snapshot: snap, Duplicate: true}, nil
}
