package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ArenaLedger/internal/audit"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"

	"github.com/google/uuid"
)

type tradeAudit struct {
	Trade      *ledger.Trade `json:"trade"`
	Aggregates aggregates    `json:"aggregates"`
}

// ApplyTradeEvent records a reported trade and, when executed, folds it into the
// participant's aggregates. Redelivery of an applied trade returns the original
// trade with Duplicate set and is not an error.
func (c *Coordinator) ApplyTradeEvent(ctx context.Context, ev *event.TradeReport) (*TradeResult, error) {
	start := time.Now()
	info := infoOf(ev)

	if err := ev.Validate(); err != nil {
		return nil, c.reject(ctx, info, err)
	}
	if c.dedup.Contains(info.tournamentID, info.key) {
		return c.duplicateTrade(ctx, info, nil, ledger.ActionTradeDuplicateIgnored, "lru")
	}

	var res TradeResult
	err := c.withParticipant(ctx, info.participantID, "trade.apply", func(ctx context.Context, tx ledger.Tx) error {
		return c.applyTrade(ctx, tx, ev, &res)
	})
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicateEvent):
		err = c.tradeConflict(ctx, ev, err)
		if ledger.IsRejection(err) {
			return nil, c.reject(ctx, info, err)
		}
		c.storeDuplicate(info, err)
		return c.duplicateTrade(ctx, info, err, ledger.ActionTradeDuplicateIgnored, "store")
	case ledger.IsRejection(err):
		return nil, c.reject(ctx, info, err)
	default:
		return nil, c.failed(info, err)
	}

	c.logger.Info().
		Str("trade_id", res.Trade.ID.String()).
		Str("external_trade_id", res.Trade.ExternalTradeID).
		Str("participant_id", info.participantID.String()).
		Str("status", string(res.Trade.Status)).
		Str("total_pnl", res.Participant.TotalPnL.String()).
		Msg("trade applied")
	c.applied(ctx, info, start)
	return &res, nil
}

func (c *Coordinator) applyTrade(ctx context.Context, tx ledger.Tx, ev *event.TradeReport, res *TradeResult) error {
	meta := ev.Meta()
	if err := checkUnclaimed(ctx, tx, meta.TournamentID, ev.IdempotencyKey()); err != nil {
		return err
	}
	if err := checkUnrecorded(ctx, tx, ev); err != nil {
		return err
	}
	tour, p, err := resolve(ctx, tx, meta.TournamentID, meta.ParticipantID)
	if err != nil {
		return err
	}
	if !tour.AcceptsTrading() {
		return fmt.Errorf("%w: tournament %s is %s", ledger.ErrTournamentNotActive, tour.ID, tour.Status)
	}
	if !tour.AllowsSymbol(ev.Symbol) {
		return fmt.Errorf("%w: symbol %q is outside the tournament universe", ledger.ErrValidation, ev.Symbol)
	}

	now := c.now()
	trade := &ledger.Trade{
		ID:              uuid.New(),
		TournamentID:    tour.ID,
		ParticipantID:   p.ID,
		ExternalTradeID: ev.ExternalTradeID,
		Symbol:          strings.ToUpper(ev.Symbol),
		Side:            ev.Side,
		Quantity:        ev.Quantity,
		Price:           ev.Price,
		Commission:      ev.Commission,
		RealizedPnL:     ev.RealizedPnL,
		Status:          ev.InitialStatus(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	trade.ComputeValues()

	if err := c.claim(ctx, tx, ev, trade.ID, now); err != nil {
		return err
	}

	before := summarize(p)
	if trade.Status == ledger.TradeStatusExecuted {
		executedAt := firstNonZero(ev.ExecutedAt, meta.ReceivedAt, now)
		trade.ExecutedAt = &executedAt

		p.ApplyExecution(trade)
		p.UpdatedAt = now
		if err := c.updateParticipant(ctx, tx, p, before.Version); err != nil {
			return err
		}
	}

	if err := tx.InsertTrade(ctx, trade); err != nil {
		return err
	}

	entry := audit.NewEntry(ledger.ActorIngestion, ledger.ActionTradeRecorded, ledger.EntityTrade,
		trade.ID.String(), before, tradeAudit{Trade: trade, Aggregates: summarize(p)}, now)
	entry.Metadata = infoOf(ev).metadata()
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return err
	}

	res.Trade = trade
	res.Participant = p
	return nil
}

// ApplyTradeStatusEvent moves a recorded trade along its status machine. A pending
// trade becoming executed is folded into the aggregates at that point. Settlement is
// the only update a completed tournament accepts.
func (c *Coordinator) ApplyTradeStatusEvent(ctx context.Context, ev *event.TradeStatusUpdate) (*TradeResult, error) {
	start := time.Now()
	info := infoOf(ev)

	if err := ev.Validate(); err != nil {
		return nil, c.reject(ctx, info, err)
	}
	if c.dedup.Contains(info.tournamentID, info.key) {
		return c.duplicateTrade(ctx, info, nil, ledger.ActionStatusDuplicate, "lru")
	}

	var res TradeResult
	err := c.withParticipant(ctx, info.participantID, "trade_status.apply", func(ctx context.Context, tx ledger.Tx) error {
		return c.applyTradeStatus(ctx, tx, ev, &res)
	})
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicateEvent):
		c.storeDuplicate(info, err)
		return c.duplicateTrade(ctx, info, err, ledger.ActionStatusDuplicate, "store")
	case ledger.IsRejection(err):
		return nil, c.reject(ctx, info, err)
	default:
		return nil, c.failed(info, err)
	}

	c.logger.Info().
		Str("trade_id", res.Trade.ID.String()).
		Str("external_trade_id", res.Trade.ExternalTradeID).
		Str("status", string(res.Trade.Status)).
		Msg("trade status applied")
	c.applied(ctx, info, start)
	return &res, nil
}

func (c *Coordinator) applyTradeStatus(ctx context.Context, tx ledger.Tx, ev *event.TradeStatusUpdate, res *TradeResult) error {
	meta := ev.Meta()
	if err := checkUnclaimed(ctx, tx, meta.TournamentID, ev.IdempotencyKey()); err != nil {
		return err
	}
	tour, p, err := resolve(ctx, tx, meta.TournamentID, meta.ParticipantID)
	if err != nil {
		return err
	}
	switch {
	case tour.AcceptsTrading():
	case ev.IsSettlement() && tour.AcceptsSettlement():
	default:
		return fmt.Errorf("%w: tournament %s is %s", ledger.ErrTournamentNotActive, tour.ID, tour.Status)
	}

	trade, err := tx.GetTradeByExternalID(ctx, tour.ID, ev.ExternalTradeID)
	if err != nil {
		return err
	}
	if trade.ParticipantID != p.ID {
		return fmt.Errorf("%w: trade %q belongs to another participant", ledger.ErrUnknownParticipant, ev.ExternalTradeID)
	}

	now := c.now()
	if err := c.claim(ctx, tx, ev, trade.ID, now); err != nil {
		return err
	}

	prevStatus := trade.Status
	if err := trade.Transition(ev.Status, firstNonZero(ev.At, meta.ReceivedAt, now)); err != nil {
		return err
	}

	before := summarize(p)
	if prevStatus == ledger.TradeStatusPending && trade.Status == ledger.TradeStatusExecuted {
		p.ApplyExecution(trade)
		p.UpdatedAt = now
		if err := c.updateParticipant(ctx, tx, p, before.Version); err != nil {
			return err
		}
	}

	if err := tx.UpdateTrade(ctx, trade); err != nil {
		return err
	}

	entry := audit.NewEntry(ledger.ActorIngestion, ledger.ActionTradeStatusChanged, ledger.EntityTrade,
		trade.ID.String(),
		map[string]interface{}{"status": prevStatus, "aggregates": before},
		map[string]interface{}{"status": trade.Status, "aggregates": summarize(p)},
		now)
	entry.Metadata = infoOf(ev).metadata()
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return err
	}

	res.Trade = trade
	res.Participant = p
	return nil
}

// checkUnrecorded matches a trade by its external id, so a redelivery under a different
// envelope key is still a duplicate. The id belonging to another participant is a rejection.
func checkUnrecorded(ctx context.Context, tx ledger.Tx, ev *event.TradeReport) error {
	meta := ev.Meta()
	existing, err := tx.GetTradeByExternalID(ctx, meta.TournamentID, ev.ExternalTradeID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	return sameTrade(existing, meta.ParticipantID)
}

func sameTrade(existing *ledger.Trade, participantID uuid.UUID) error {
	if existing.ParticipantID != participantID {
		return fmt.Errorf("%w: external trade id %q is already recorded for another participant",
			ledger.ErrValidation, existing.ExternalTradeID)
	}
	return &duplicateOf{entityID: existing.ID, appliedAt: existing.CreatedAt}
}

// tradeConflict explains a duplicate raised by the store. A unique violation on the
// external trade id has no claim under this key and resolves through the recorded trade.
func (c *Coordinator) tradeConflict(ctx context.Context, ev *event.TradeReport, cause error) error {
	var dup *duplicateOf
	if errors.As(cause, &dup) {
		return cause
	}
	meta := ev.Meta()
	if _, err := c.store.GetProcessedEvent(ctx, meta.TournamentID, ev.IdempotencyKey()); err == nil {
		return cause
	}
	existing, err := c.store.GetTradeByExternalID(ctx, meta.TournamentID, ev.ExternalTradeID)
	if err != nil {
		return cause
	}
	return sameTrade(existing, meta.ParticipantID)
}

func (c *Coordinator) duplicateTrade(ctx context.Context, info eventInfo, cause error, action, tier string) (*TradeResult, error) {
	claim, err := c.duplicate(ctx, info, cause, action, ledger.EntityTrade, tier)
	if err != nil {
		return nil, c.failed(info, err)
	}
	trade, err := c.store.GetTrade(ctx, claim.EntityID)
	if err != nil {
		return nil, c.failed(info, fmt.Errorf("load duplicate trade: %w", err))
	}
	return &TradeResult{Trade: trade, Duplicate: true}, nil
}

func firstNonZero(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}
