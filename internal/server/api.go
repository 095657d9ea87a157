package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ArenaLedger/internal/audit"
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/ingestion"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/performance"
	"ArenaLedger/internal/query"
	"ArenaLedger/internal/ranking"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// API is the transport-neutral surface shared by the HTTP and gRPC servers.
type API struct {
	Coordinator *core.Coordinator
	Ranking     *ranking.Engine
	Performance *performance.Recorder
	Audit       *audit.Service
	Query       *query.QueryService
	Now         func() time.Time
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

// --- Requests and responses ---

type LeaderboardRequest struct {
	TournamentID uuid.UUID `json:"tournament_id"`
	Limit        int       `json:"limit"`
	Offset       int       `json:"offset"`
}

type LeaderboardResponse struct {
	TournamentID uuid.UUID       `json:"tournament_id"`
	Entries      []ranking.Entry `json:"entries"`
	Limit        int             `json:"limit"`
	Offset       int             `json:"offset"`
}

type ParticipantRequest struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	Limit         int       `json:"limit,omitempty"`
}

type TournamentRequest struct {
	TournamentID uuid.UUID `json:"tournament_id"`
}

type CreateTournamentRequest struct {
	Tournament ledger.Tournament `json:"tournament"`
	Actor      string            `json:"actor"`
}

type RecordPerformanceRequest struct {
	ParticipantID uuid.UUID  `json:"participant_id"`
	RecordedAt    *time.Time `json:"recorded_at"`
	Actor         string     `json:"actor"`
}

type TradeQuery struct {
	TournamentID  *uuid.UUID `json:"tournament_id,omitempty"`
	ParticipantID *uuid.UUID `json:"participant_id,omitempty"`
	Symbol        string     `json:"symbol,omitempty"`
	Side          string     `json:"side,omitempty"`
	Status        string     `json:"status,omitempty"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

type StatsQuery struct {
	TournamentID  *uuid.UUID `json:"tournament_id,omitempty"`
	ParticipantID *uuid.UUID `json:"participant_id,omitempty"`
	Symbol        string     `json:"symbol,omitempty"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
}

type AuditQuery struct {
	Actor      string     `json:"actor,omitempty"`
	Action     string     `json:"action,omitempty"`
	EntityType string     `json:"entity_type,omitempty"`
	EntityID   string     `json:"entity_id,omitempty"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

type AuditPage struct {
	Entries []*ledger.AuditEntry `json:"entries"`
}

type SnapshotPage struct {
	Snapshots []*ledger.PerformanceSnapshot `json:"snapshots"`
}

// --- Operations ---

// Submit parses an inbound envelope of the given kind and applies it.
func (a *API) Submit(ctx context.Context, kind ingestion.Kind, w ingestion.Wire) (interface{}, error) {
	msg, err := ingestion.ParseWire(kind, w, a.now())
	if err != nil {
		return nil, err
	}
	return ingestion.Dispatch(ctx, a.Coordinator, msg)
}

func (a *API) CreateTournament(ctx context.Context, req CreateTournamentRequest) (*ledger.Tournament, error) {
	t := req.Tournament
	return a.Coordinator.CreateTournament(ctx, &t, req.Actor)
}

func (a *API) GetTournament(ctx context.Context, req TournamentRequest) (*ledger.Tournament, error) {
	return a.Query.GetTournament(ctx, req.TournamentID)
}

func (a *API) Leaderboard(ctx context.Context, req LeaderboardRequest) (*LeaderboardResponse, error) {
	limit, offset := ledger.NormalizePage(req.Limit, req.Offset)
	entries, err := a.Ranking.GetLeaderboard(ctx, req.TournamentID, limit, offset)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []ranking.Entry{}
	}
	return &LeaderboardResponse{TournamentID: req.TournamentID, Entries: entries, Limit: limit, Offset: offset}, nil
}

func (a *API) Participant(ctx context.Context, req ParticipantRequest) (*query.ParticipantView, error) {
	return a.Query.GetParticipant(ctx, req.ParticipantID)
}

func (a *API) ParticipantRank(ctx context.Context, req ParticipantRequest) (*ranking.Standing, error) {
	return a.Ranking.GetParticipantRank(ctx, req.ParticipantID)
}

func (a *API) LatestPerformance(ctx context.Context, req ParticipantRequest) (*ledger.PerformanceSnapshot, error) {
	return a.Performance.GetLatestPerformance(ctx, req.ParticipantID)
}

func (a *API) PerformanceHistory(ctx context.Context, req ParticipantRequest) (*SnapshotPage, error) {
	snaps, err := a.Performance.GetPerformanceHistory(ctx, req.ParticipantID, req.Limit)
	if err != nil {
		return nil, err
	}
	if snaps == nil {
		snaps = []*ledger.PerformanceSnapshot{}
	}
	return &SnapshotPage{Snapshots: snaps}, nil
}

func (a *API) RecordPerformance(ctx context.Context, req RecordPerformanceRequest) (*ledger.PerformanceSnapshot, error) {
	at := a.now()
	if req.RecordedAt != nil {
		at = req.RecordedAt.UTC()
	}
	return a.Performance.RecordPerformance(ctx, performance.Request{
		ParticipantID: req.ParticipantID,
		RecordedAt:    at,
		Source:        ledger.SnapshotSourceManual,
		Actor:         req.Actor,
	})
}

func (a *API) Trades(ctx context.Context, q TradeQuery) (*query.TradePage, error) {
	f := ledger.TradeFilter{
		TournamentID:  q.TournamentID,
		ParticipantID: q.ParticipantID,
		Symbol:        q.Symbol,
		From:          q.From,
		To:            q.To,
		Limit:         q.Limit,
		Offset:        q.Offset,
	}
	if q.Side != "" {
		side, err := ledger.ParseSide(q.Side)
		if err != nil {
			return nil, err
		}
		f.Side = side
	}
	if q.Status != "" {
		st, err := ledger.ParseTradeStatus(q.Status)
		if err != nil {
			return nil, err
		}
		f.Status = st
	}
	return a.Query.ListTrades(ctx, f)
}

func (a *API) Statistics(ctx context.Context, q StatsQuery) (*ledger.TradingStatistics, error) {
	return a.Query.GetTradingStatistics(ctx, ledger.StatsFilter{
		TournamentID:  q.TournamentID,
		ParticipantID: q.ParticipantID,
		Symbol:        q.Symbol,
		From:          q.From,
		To:            q.To,
	})
}

func (a *API) AuditLogs(ctx context.Context, q AuditQuery) (*AuditPage, error) {
	entries, err := a.Audit.GetAuditLogs(ctx, ledger.AuditFilter{
		Actor:      q.Actor,
		Action:     q.Action,
		EntityType: q.EntityType,
		EntityID:   q.EntityID,
		From:       q.From,
		To:         q.To,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*ledger.AuditEntry{}
	}
	return &AuditPage{Entries: entries}, nil
}

// --- Error mapping ---

// HTTPStatus maps the ledger error taxonomy onto HTTP status codes.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnknownParticipant), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrTournamentNotActive), errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrPersistence), errors.Is(err, ledger.ErrVersionConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCError converts err into a gRPC status error.
func GRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch HTTPStatus(err) {
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusNotFound:
		code = codes.NotFound
	case http.StatusConflict:
		code = codes.FailedPrecondition
	case http.StatusServiceUnavailable:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func invalidParam(name string, err error) error {
	return fmt.Errorf("%w: %s: %v", ledger.ErrValidation, name, err)
}
