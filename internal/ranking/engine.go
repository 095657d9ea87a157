package ranking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ArenaLedger/internal/audit"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/persistence"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Entry is one leaderboard row.
type Entry struct {
	Rank          int             `json:"rank"`
	BestRank      int             `json:"best_rank"`
	ParticipantID uuid.UUID       `json:"participant_id"`
	UserID        uuid.UUID       `json:"user_id"`
	DisplayName   string          `json:"display_name,omitempty"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Balance       decimal.Decimal `json:"balance"`
	TradeCount    int64           `json:"trade_count"`
	WinRate       decimal.Decimal `json:"win_rate"`
	RegisteredAt  time.Time       `json:"registered_at"`
}

// Update is a freshly committed ranking, pushed to publishers.
type Update struct {
	TournamentID uuid.UUID `json:"tournament_id"`
	Version      int64     `json:"version"`
	ComputedAt   time.Time `json:"computed_at"`
	Entries      []Entry   `json:"entries"`
}

// Publisher receives committed rankings. Publish must not block.
type Publisher interface {
	Publish(u Update)
}

// Standing is a participant's rank view.
type Standing struct {
	ParticipantID uuid.UUID       `json:"participant_id"`
	TournamentID  uuid.UUID       `json:"tournament_id"`
	CurrentRank   *int            `json:"current_rank"`
	BestRank      *int            `json:"best_rank"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	Active        bool            `json:"active"`
}

// Engine recomputes and serves tournament rankings. The ranking is materialized in the
// participants' rank columns; the engine keeps no rank state of its own.
type Engine struct {
	store      ledger.Store
	retry      persistence.RetryPolicy
	validator  *ledger.InvariantValidator
	publishers []Publisher
	metrics    *observability.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

type Option func(*Engine)

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publishers = append(e.publishers, p) } }

func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithRetryPolicy(p persistence.RetryPolicy) Option { return func(e *Engine) { e.retry = p } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store ledger.Store, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		retry:     persistence.DefaultRetryPolicy(),
		validator: ledger.NewInvariantValidator(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) tournamentLock(id uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// RecomputeRankings re-ranks a tournament from one consistent read of its participants
// and writes ranks, best ranks and the ranking version in a single transaction.
// On failure the previous ranking stays in place and the error is logged.
func (e *Engine) RecomputeRankings(ctx context.Context, tournamentID uuid.UUID) (*Update, error) {
	lock := e.tournamentLock(tournamentID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	var (
		version      int64
		participants []*ledger.Participant
		ranks        []ledger.RankAssignment
	)

	err := e.retry.Do(ctx, e.logger, "ranking.recompute", func(ctx context.Context) error {
		return e.store.InTx(ctx, func(tx ledger.Tx) error {
			var err error
			// row lock on the tournament serializes recomputes across processes
			version, err = tx.BumpRankingVersion(ctx, tournamentID)
			if err != nil {
				return err
			}
			participants, err = tx.ListParticipants(ctx, tournamentID)
			if err != nil {
				return err
			}
			ranks = Compute(participants)
			if err := e.validator.ValidateDenseRanking(ranks); err != nil {
				return fmt.Errorf("ranking invariant: %w", err)
			}
			if err := tx.ApplyRanking(ctx, tournamentID, ranks); err != nil {
				return err
			}

			entry := audit.NewEntry(ledger.ActorRanking, ledger.ActionRankingRecomputed,
				ledger.EntityTournament, tournamentID.String(), nil, nil, e.now())
			entry.Metadata = map[string]string{
				"version": strconv.FormatInt(version, 10),
				"ranked":  strconv.Itoa(len(ranks)),
			}
			return tx.AppendAudit(ctx, entry)
		})
	})
	if e.metrics != nil {
		e.metrics.RecomputeDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecomputeTotal.WithLabelValues("failed").Inc()
		}
		e.logger.Error().Err(err).
			Str("tournament_id", tournamentID.String()).
			Msg("ranking recompute failed; previous ranking kept")
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecomputeTotal.WithLabelValues("ok").Inc()
		e.metrics.RankedParticipants.WithLabelValues(tournamentID.String()).Set(float64(len(ranks)))
	}

	update := &Update{
		TournamentID: tournamentID,
		Version:      version,
		ComputedAt:   e.now(),
		Entries:      buildEntries(participants, ranks),
	}
	for _, p := range e.publishers {
		p.Publish(*update)
	}

	e.logger.Debug().
		Str("tournament_id", tournamentID.String()).
		Int64("version", version).
		Int("ranked", len(ranks)).
		Dur("took", time.Since(start)).
		Msg("ranking recomputed")
	return update, nil
}

func buildEntries(participants []*ledger.Participant, ranks []ledger.RankAssignment) []Entry {
	byID := make(map[uuid.UUID]*ledger.Participant, len(participants))
	for _, p := range participants {
		byID[p.ID] = p
	}
	out := make([]Entry, 0, len(ranks))
	for _, r := range ranks {
		p := byID[r.ParticipantID]
		best := r.Rank
		if p.BestRank != nil && *p.BestRank < best {
			best = *p.BestRank
		}
		out = append(out, newEntry(p, r.Rank, best))
	}
	return out
}

func newEntry(p *ledger.Participant, rank, best int) Entry {
	return Entry{
		Rank:          rank,
		BestRank:      best,
		ParticipantID: p.ID,
		UserID:        p.UserID,
		DisplayName:   p.DisplayName,
		TotalPnL:      p.TotalPnL,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL,
		Balance:       p.CurrentBalance,
		TradeCount:    p.TradeCount,
		WinRate:       p.WinRate(),
		RegisteredAt:  p.RegisteredAt,
	}
}

// GetLeaderboard returns the last committed ranking, paged (default 50, max 500).
func (e *Engine) GetLeaderboard(ctx context.Context, tournamentID uuid.UUID, limit, offset int) ([]Entry, error) {
	if _, err := e.store.GetTournament(ctx, tournamentID); err != nil {
		return nil, err
	}
	limit, offset = ledger.NormalizePage(limit, offset)
	rows, err := e.store.GetLeaderboard(ctx, tournamentID, limit, offset)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(rows))
	for _, p := range rows {
		if p.CurrentRank == nil {
			continue
		}
		best := *p.CurrentRank
		if p.BestRank != nil {
			best = *p.BestRank
		}
		out = append(out, newEntry(p, *p.CurrentRank, best))
	}
	return out, nil
}

// GetParticipantRank returns the participant's materialized rank. CurrentRank is nil
// for inactive participants or before the first recompute.
func (e *Engine) GetParticipantRank(ctx context.Context, participantID uuid.UUID) (*Standing, error) {
	p, err := e.store.GetParticipant(ctx, participantID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownParticipant, participantID)
		}
		return nil, err
	}
	return &Standing{
		ParticipantID: p.ID,
		TournamentID:  p.TournamentID,
		CurrentRank:   p.CurrentRank,
		BestRank:      p.BestRank,
		TotalPnL:      p.TotalPnL,
		Active:        p.Active,
	}, nil
}
