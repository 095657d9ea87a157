package ingestion

import (
	"context"
	"fmt"

	"ArenaLedger/internal/core"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"
)

// Applier is the coordinator surface inbound messages are routed to.
type Applier interface {
	ApplyTradeEvent(ctx context.Context, ev *event.TradeReport) (*core.TradeResult, error)
	ApplySnapshotEvent(ctx context.Context, ev *event.PerformanceReport) (*core.SnapshotResult, error)
	ApplyTradeStatusEvent(ctx context.Context, ev *event.TradeStatusUpdate) (*core.TradeResult, error)
	TransitionTournament(ctx context.Context, cmd *event.TournamentStatusChange) (*ledger.Tournament, error)
	RegisterParticipant(ctx context.Context, cmd *event.ParticipantRegistration) (*ledger.Participant, error)
	DeactivateParticipant(ctx context.Context, cmd *event.ParticipantDeactivation) (*ledger.Participant, error)
}

// Dispatch routes a message produced by Parse to the matching Applier method and
// returns that method's result.
func Dispatch(ctx context.Context, a Applier, msg interface{}) (interface{}, error) {
	switch m := msg.(type) {
	case *event.TradeReport:
		return a.ApplyTradeEvent(ctx, m)
	case *event.PerformanceReport:
		return a.ApplySnapshotEvent(ctx, m)
	case *event.TradeStatusUpdate:
		return a.ApplyTradeStatusEvent(ctx, m)
	case *event.TournamentStatusChange:
		return a.TransitionTournament(ctx, m)
	case *event.ParticipantRegistration:
		return a.RegisterParticipant(ctx, m)
	case *event.ParticipantDeactivation:
		return a.DeactivateParticipant(ctx, m)
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ledger.ErrValidation, msg)
	}
}
