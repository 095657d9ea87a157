package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ArenaLedger/internal/audit"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"

	"github.com/google/uuid"
)

const defaultOperator = "operator"

// CreateTournament stores a new tournament. An empty status means draft.
func (c *Coordinator) CreateTournament(ctx context.Context, t *ledger.Tournament, actor string) (*ledger.Tournament, error) {
	info := eventInfo{eventType: "tournament_create", tournamentID: t.ID}
	if actor == "" {
		actor = defaultOperator
	}

	now := c.now()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
		info.tournamentID = t.ID
	}
	if t.Status == "" {
		t.Status = ledger.TournamentDraft
	}
	for i, s := range t.Symbols {
		t.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	t.CreatedAt, t.UpdatedAt = now, now

	if err := validateTournament(t); err != nil {
		return nil, c.reject(ctx, info, err)
	}

	err := c.cfg.Retry.Do(ctx, c.logger, "tournament.create", func(ctx context.Context) error {
		return c.store.InTx(ctx, func(tx ledger.Tx) error {
			if err := tx.InsertTournament(ctx, t); err != nil {
				return err
			}
			entry := audit.NewEntry(actor, ledger.ActionTournamentCreated, ledger.EntityTournament, t.ID.String(), nil, t, now)
			return tx.AppendAudit(ctx, entry)
		})
	})
	if err != nil {
		if ledger.IsRejection(err) {
			return nil, c.reject(ctx, info, err)
		}
		return nil, c.failed(info, err)
	}

	c.logger.Info().Str("tournament_id", t.ID.String()).Str("name", t.Name).Msg("tournament created")
	return t, nil
}

func validateTournament(t *ledger.Tournament) error {
	switch {
	case strings.TrimSpace(t.Name) == "":
		return fmt.Errorf("%w: tournament name is required", ledger.ErrValidation)
	case !t.Division.Valid():
		return fmt.Errorf("%w: division %q", ledger.ErrValidation, t.Division)
	case !t.StartingBalance.IsPositive():
		return fmt.Errorf("%w: starting balance must be > 0", ledger.ErrValidation)
	case !t.EndsAt.After(t.StartsAt):
		return fmt.Errorf("%w: tournament must end after it starts", ledger.ErrValidation)
	case !t.RegistrationClose.IsZero() && t.RegistrationClose.Before(t.RegistrationOpen):
		return fmt.Errorf("%w: registration closes before it opens", ledger.ErrValidation)
	}
	return nil
}

// TransitionTournament moves a tournament along its lifecycle. Requesting the current
// status is a no-op. Completing a tournament runs a final ranking recompute.
func (c *Coordinator) TransitionTournament(ctx context.Context, cmd *event.TournamentStatusChange) (*ledger.Tournament, error) {
	info := eventInfo{eventType: string(event.EventTypeTournamentStatus), tournamentID: cmd.TournamentID}
	if err := cmd.Validate(); err != nil {
		return nil, c.reject(ctx, info, err)
	}
	actor := cmd.Actor
	if actor == "" {
		actor = defaultOperator
	}

	var (
		tour    *ledger.Tournament
		changed bool
	)
	err := c.cfg.Retry.Do(ctx, c.logger, "tournament.transition", func(ctx context.Context) error {
		return c.store.InTx(ctx, func(tx ledger.Tx) error {
			var err error
			changed = false
			tour, err = tx.GetTournament(ctx, cmd.TournamentID)
			if err != nil {
				return err
			}
			if tour.Status == cmd.Status {
				return nil
			}
			if !tour.Status.CanTransitionTo(cmd.Status) {
				return fmt.Errorf("%w: tournament %s %s -> %s", ledger.ErrInvalidTransition, tour.ID, tour.Status, cmd.Status)
			}

			at := firstNonZero(cmd.At, c.now())
			from := tour.Status
			if err := tx.UpdateTournamentStatus(ctx, tour.ID, from, cmd.Status, at); err != nil {
				return err
			}
			tour.Status = cmd.Status
			tour.UpdatedAt = at
			changed = true

			entry := audit.NewEntry(actor, ledger.ActionTournamentStatus, ledger.EntityTournament, tour.ID.String(),
				map[string]ledger.TournamentStatus{"status": from},
				map[string]ledger.TournamentStatus{"status": cmd.Status},
				at)
			return tx.AppendAudit(ctx, entry)
		})
	})
	if err != nil {
		if ledger.IsRejection(err) {
			return nil, c.reject(ctx, info, err)
		}
		return nil, c.failed(info, err)
	}

	if changed {
		c.logger.Info().
			Str("tournament_id", tour.ID.String()).
			Str("status", string(tour.Status)).
			Msg("tournament status changed")
		if tour.Status == ledger.TournamentActive || tour.Status == ledger.TournamentCompleted {
			c.recompute(ctx, tour.ID)
		}
	}
	return tour, nil
}

// RegisterParticipant enrolls a user. Registering an already enrolled user returns
// the existing participant.
func (c *Coordinator) RegisterParticipant(ctx context.Context, cmd *event.ParticipantRegistration) (*ledger.Participant, error) {
	info := eventInfo{eventType: string(event.EventTypeParticipantRegistered), tournamentID: cmd.TournamentID}
	if err := cmd.Validate(); err != nil {
		return nil, c.reject(ctx, info, err)
	}

	var (
		p       *ledger.Participant
		created bool
		active  bool
	)
	err := c.cfg.Retry.Do(ctx, c.logger, "participant.register", func(ctx context.Context) error {
		return c.store.InTx(ctx, func(tx ledger.Tx) error {
			created = false
			tour, err := tx.GetTournament(ctx, cmd.TournamentID)
			if err != nil {
				return err
			}
			existing, err := tx.ListParticipants(ctx, tour.ID)
			if err != nil {
				return err
			}
			for _, e := range existing {
				if e.UserID == cmd.UserID {
					p = e
					return nil
				}
			}
			if !tour.AcceptsRegistration() {
				return fmt.Errorf("%w: tournament %s is %s and not accepting registrations",
					ledger.ErrTournamentNotActive, tour.ID, tour.Status)
			}

			at := firstNonZero(cmd.At, c.now())
			p = ledger.NewParticipant(tour, cmd.UserID, cmd.DisplayName, at)
			if err := tx.InsertParticipant(ctx, p); err != nil {
				return err
			}
			created = true
			active = tour.Status == ledger.TournamentActive

			entry := audit.NewEntry(defaultOperator, ledger.ActionParticipantRegistered, ledger.EntityParticipant,
				p.ID.String(), nil, summarize(p), at)
			entry.Metadata = map[string]string{
				"tournament_id": tour.ID.String(),
				"user_id":       cmd.UserID.String(),
			}
			return tx.AppendAudit(ctx, entry)
		})
	})
	if errors.Is(err, ledger.ErrDuplicateEvent) {
		// a concurrent registration of the same user won the unique constraint
		created = false
		p, err = c.registered(ctx, cmd.TournamentID, cmd.UserID, err)
	}
	if err != nil {
		if ledger.IsRejection(err) {
			return nil, c.reject(ctx, info, err)
		}
		return nil, c.failed(info, err)
	}

	if created {
		c.logger.Info().
			Str("participant_id", p.ID.String()).
			Str("tournament_id", p.TournamentID.String()).
			Msg("participant registered")
		if active {
			c.recompute(ctx, p.TournamentID)
		}
	}
	return p, nil
}

// registered returns the user's existing enrollment, or cause when there is none.
func (c *Coordinator) registered(ctx context.Context, tournamentID, userID uuid.UUID, cause error) (*ledger.Participant, error) {
	existing, err := c.store.ListParticipants(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e.UserID == userID {
			return e, nil
		}
	}
	return nil, cause
}

// DeactivateParticipant disqualifies or withdraws a participant. The participant
// keeps its aggregates and best rank but drops out of the ranking.
func (c *Coordinator) DeactivateParticipant(ctx context.Context, cmd *event.ParticipantDeactivation) (*ledger.Participant, error) {
	info := eventInfo{eventType: string(event.EventTypeParticipantDeactivated), participantID: cmd.ParticipantID}
	if err := cmd.Validate(); err != nil {
		return nil, c.reject(ctx, info, err)
	}
	actor := cmd.Actor
	if actor == "" {
		actor = defaultOperator
	}

	var (
		p       *ledger.Participant
		changed bool
	)
	err := c.withParticipant(ctx, cmd.ParticipantID, "participant.deactivate", func(ctx context.Context, tx ledger.Tx) error {
		var err error
		changed = false
		p, err = tx.GetParticipant(ctx, cmd.ParticipantID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return fmt.Errorf("%w: %s", ledger.ErrUnknownParticipant, cmd.ParticipantID)
			}
			return err
		}
		if !p.Active {
			return nil
		}
		tour, err := tx.GetTournament(ctx, p.TournamentID)
		if err != nil {
			return err
		}
		if tour.Status.IsTerminal() {
			return fmt.Errorf("%w: tournament %s is %s; participants are frozen",
				ledger.ErrTournamentNotActive, tour.ID, tour.Status)
		}

		at := firstNonZero(cmd.At, c.now())
		before := summarize(p)
		p.Active = false
		p.Disqualified = cmd.Reason == event.ReasonDisqualified
		p.UpdatedAt = at
		if err := c.updateParticipant(ctx, tx, p, before.Version); err != nil {
			return err
		}
		changed = true

		entry := audit.NewEntry(actor, ledger.ActionParticipantDeactivated, ledger.EntityParticipant,
			p.ID.String(), before, summarize(p), at)
		entry.Metadata = map[string]string{
			"tournament_id": p.TournamentID.String(),
			"reason":        string(cmd.Reason),
		}
		if cmd.Note != "" {
			entry.Metadata["note"] = cmd.Note
		}
		return tx.AppendAudit(ctx, entry)
	})
	if err != nil {
		if ledger.IsRejection(err) {
			return nil, c.reject(ctx, info, err)
		}
		return nil, c.failed(info, err)
	}

	if changed {
		c.logger.Info().
			Str("participant_id", p.ID.String()).
			Str("reason", string(cmd.Reason)).
			Msg("participant deactivated")
		c.recompute(ctx, p.TournamentID)
	}
	return p, nil
}
