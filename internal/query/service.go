package query

import (
	"context"
	"errors"
	"fmt"

	"ArenaLedger/internal/ledger"

	"github.com/google/uuid"
)

// QueryService provides read-only access to tournaments, participants and trades.
// Ranking, performance and audit reads live with their own services.
type QueryService struct {
	store ledger.Store
}

func NewQueryService(store ledger.Store) *QueryService {
	return &QueryService{store: store}
}

// GetParticipant returns a participant with derived equity, win rate and open positions.
func (qs *QueryService) GetParticipant(ctx context.Context, id uuid.UUID) (*ParticipantView, error) {
	p, err := qs.store.GetParticipant(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownParticipant, id)
		}
		return nil, err
	}
	return &ParticipantView{
		Participant:   p,
		Equity:        p.Equity(),
		WinRate:       p.WinRate(),
		OpenPositions: p.OpenPositions(),
	}, nil
}

func (qs *QueryService) GetTournament(ctx context.Context, id uuid.UUID) (*ledger.Tournament, error) {
	return qs.store.GetTournament(ctx, id)
}

func (qs *QueryService) ListTournaments(ctx context.Context) ([]*ledger.Tournament, error) {
	return qs.store.ListTournaments(ctx)
}

// ListTrades returns one page of trades matching f, newest first.
func (qs *QueryService) ListTrades(ctx context.Context, f ledger.TradeFilter) (*TradePage, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, fmt.Errorf("%w: to precedes from", ledger.ErrValidation)
	}
	f.Limit, f.Offset = ledger.NormalizePage(f.Limit, f.Offset)

	trades, err := qs.store.ListTrades(ctx, f)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []*ledger.Trade{}
	}
	return &TradePage{Trades: trades, Limit: f.Limit, Offset: f.Offset}, nil
}

// GetTradingStatistics aggregates the trades matching f.
func (qs *QueryService) GetTradingStatistics(ctx context.Context, f ledger.StatsFilter) (*ledger.TradingStatistics, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, fmt.Errorf("%w: to precedes from", ledger.ErrValidation)
	}
	return qs.store.GetTradingStatistics(ctx, f)
}
