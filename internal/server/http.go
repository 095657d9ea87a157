package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"ArenaLedger/internal/ingestion"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// HTTPServer serves the JSON API, health probes, metrics and leaderboard websockets.
type HTTPServer struct {
	api        *API
	hub        *Hub
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	gatherer   prometheus.Gatherer
	logger     zerolog.Logger
	addr       string
	httpServer *http.Server
}

// HTTPDeps holds what the HTTP server needs besides the API.
type HTTPDeps struct {
	Hub      *Hub
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

func NewHTTPServer(addr string, api *API, deps HTTPDeps) *HTTPServer {
	return &HTTPServer{
		api:      api,
		hub:      deps.Hub,
		health:   deps.Health,
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
		logger:   deps.Logger,
		addr:     addr,
	}
}

// Handler builds the full route table.
func (s *HTTPServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		h               func(r *http.Request, p map[string]string) (int, interface{}, error)
	}{
		{"POST", "/v1/events/trades", s.submit(ingestion.KindTrade)},
		{"POST", "/v1/events/snapshots", s.submit(ingestion.KindSnapshot)},
		{"POST", "/v1/events/trade-status", s.submit(ingestion.KindTradeStatus)},

		{"POST", "/v1/tournaments", s.createTournament},
		{"GET", "/v1/tournaments/{id}", s.getTournament},
		{"POST", "/v1/tournaments/{id}/status", s.tournamentCommand(ingestion.KindTournamentStatus)},
		{"POST", "/v1/tournaments/{id}/participants", s.tournamentCommand(ingestion.KindParticipantRegistered)},
		{"GET", "/v1/tournaments/{id}/leaderboard", s.leaderboard},

		{"GET", "/v1/participants/{id}", s.participant},
		{"GET", "/v1/participants/{id}/rank", s.participantRank},
		{"GET", "/v1/participants/{id}/performance", s.performanceHistory},
		{"GET", "/v1/participants/{id}/performance/latest", s.latestPerformance},
		{"POST", "/v1/participants/{id}/performance", s.recordPerformance},
		{"POST", "/v1/participants/{id}/deactivate", s.deactivate},

		{"GET", "/v1/trades", s.trades},
		{"GET", "/v1/statistics", s.statistics},
		{"GET", "/v1/audit", s.auditLogs},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.wrap(rt.pattern, rt.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	if s.hub != nil {
		err := mux.HandlePath("GET", "/ws/leaderboard/{id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			id, err := uuid.Parse(p["id"])
			if err != nil {
				writeError(w, invalidParam("tournament id", err))
				return
			}
			s.hub.ServeWS(w, r, id)
		})
		if err != nil {
			return nil, fmt.Errorf("register websocket route: %w", err)
		}
	}

	httpMux := http.NewServeMux()
	if s.health != nil {
		httpMux.HandleFunc("/healthz", s.health.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if s.gatherer != nil {
		httpMux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// Start serves until ctx is done, then shuts down gracefully (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) wrap(pattern string, h func(r *http.Request, p map[string]string) (int, interface{}, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		start := time.Now()
		code, body, err := h(r, p)
		if err != nil {
			code = HTTPStatus(err)
			if code >= http.StatusInternalServerError {
				s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
			}
			writeError(w, err)
		} else {
			writeJSON(w, code, body)
		}
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(pattern, strconv.Itoa(code)).Inc()
			s.metrics.QueryDuration.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
		}
	}
}

// --- Handlers ---

func (s *HTTPServer) submit(kind ingestion.Kind) func(*http.Request, map[string]string) (int, interface{}, error) {
	return func(r *http.Request, _ map[string]string) (int, interface{}, error) {
		var w ingestion.Wire
		if err := decodeBody(r, &w); err != nil {
			return 0, nil, err
		}
		res, err := s.api.Submit(r.Context(), kind, w)
		return http.StatusOK, res, err
	}
}

// tournamentCommand wraps the request body as the payload of a tournament-scoped envelope.
func (s *HTTPServer) tournamentCommand(kind ingestion.Kind) func(*http.Request, map[string]string) (int, interface{}, error) {
	return func(r *http.Request, p map[string]string) (int, interface{}, error) {
		payload, err := readBody(r)
		if err != nil {
			return 0, nil, err
		}
		res, err := s.api.Submit(r.Context(), kind, ingestion.Wire{TournamentID: p["id"], Payload: payload})
		return http.StatusOK, res, err
	}
}

func (s *HTTPServer) deactivate(r *http.Request, p map[string]string) (int, interface{}, error) {
	payload, err := readBody(r)
	if err != nil {
		return 0, nil, err
	}
	res, err := s.api.Submit(r.Context(), ingestion.KindParticipantDeactivated, ingestion.Wire{ParticipantID: p["id"], Payload: payload})
	return http.StatusOK, res, err
}

func (s *HTTPServer) createTournament(r *http.Request, _ map[string]string) (int, interface{}, error) {
	var req CreateTournamentRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	t, err := s.api.CreateTournament(r.Context(), req)
	return http.StatusCreated, t, err
}

func (s *HTTPServer) getTournament(r *http.Request, p map[string]string) (int, interface{}, error) {
	id, err := pathUUID(p, "id")
	if err != nil {
		return 0, nil, err
	}
	t, err := s.api.GetTournament(r.Context(), TournamentRequest{TournamentID: id})
	return http.StatusOK, t, err
}

func (s *HTTPServer) leaderboard(r *http.Request, p map[string]string) (int, interface{}, error) {
	id, err := pathUUID(p, "id")
	if err != nil {
		return 0, nil, err
	}
	q := newParams(r)
	req := LeaderboardRequest{TournamentID: id, Limit: q.num("limit"), Offset: q.num("offset")}
	if err := q.err(); err != nil {
		return 0, nil, err
	}
	res, err := s.api.Leaderboard(r.Context(), req)
	return http.StatusOK, res, err
}

func (s *HTTPServer) participant(r *http.Request, p map[string]string) (int, interface{}, error) {
	id, err := pathUUID(p, "id")
	if err != nil {
		return 0, nil, err
	}
	res, err := s.api.Participant(r.Context(), ParticipantRequest{ParticipantID: id})
	return http.StatusOK, res, err
}

func (s *HTTPServer) participantRank(r *http.Request, p map[string]string) (int, interface{}, error) {
	id, err := pathUUID(p, "id")
	if err != nil {
		return 0, nil, err
	}
	res, err := s.api.ParticipantRank(r.Context(), ParticipantRequest{ParticipantID: id})
	return http.StatusOK, res, err
}

func (s *HTTPServer) latestPerformance(r *http.Request, p map[string]string) (int, interface{}, error) {
	id, err := pathUUID(p, "id")
	if err != nil {
		return 0, nil, err
	}
	res, err := s.api.LatestPerformance(r.Context(), ParticipantRequest{ParticipantID: id})
	return http.StatusOK, res, err
}

func (s *HTTPServer) performanceHistory(r *http.Request, p map[string]string) (int, interface{}, error) {
	id, err := pathUUID(p, "id")
	if err != nil {
		return 0, nil, err
	}
	q := newParams(r)
	req := ParticipantRequest{ParticipantID: id, Limit: q.num("limit")}
	if err := q.err(); err != nil {
		return 0, nil, err
	}
	res, err := s.api.PerformanceHistory(r.Context(), req)
	return http.StatusOK, res, err
}

func (s *HTTPServer) recordPerformance(r *http.Request, p map[string]string) (int, interface{}, error) {
	id, err := pathUUID(p, "id")
	if err != nil {
		return 0, nil, err
	}
	var req RecordPerformanceRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			return 0, nil, err
		}
	}
	req.ParticipantID = id
	res, err := s.api.RecordPerformance(r.Context(), req)
	return http.StatusCreated, res, err
}

func (s *HTTPServer) trades(r *http.Request, _ map[string]string) (int, interface{}, error) {
	q := newParams(r)
	tq := TradeQuery{
		TournamentID:  q.id("tournament_id"),
		ParticipantID: q.id("participant_id"),
		Symbol:        q.str("symbol"),
		Side:          q.str("side"),
		Status:        q.str("status"),
		From:          q.ts("from"),
		To:            q.ts("to"),
		Limit:         q.num("limit"),
		Offset:        q.num("offset"),
	}
	if err := q.err(); err != nil {
		return 0, nil, err
	}
	res, err := s.api.Trades(r.Context(), tq)
	return http.StatusOK, res, err
}

func (s *HTTPServer) statistics(r *http.Request, _ map[string]string) (int, interface{}, error) {
	q := newParams(r)
	sq := StatsQuery{
		TournamentID:  q.id("tournament_id"),
		ParticipantID: q.id("participant_id"),
		Symbol:        q.str("symbol"),
		From:          q.ts("from"),
		To:            q.ts("to"),
	}
	if err := q.err(); err != nil {
		return 0, nil, err
	}
	res, err := s.api.Statistics(r.Context(), sq)
	return http.StatusOK, res, err
}

func (s *HTTPServer) auditLogs(r *http.Request, _ map[string]string) (int, interface{}, error) {
	q := newParams(r)
	aq := AuditQuery{
		Actor:      q.str("actor"),
		Action:     q.str("action"),
		EntityType: q.str("entity_type"),
		EntityID:   q.str("entity_id"),
		From:       q.ts("from"),
		To:         q.ts("to"),
		Limit:      q.num("limit"),
		Offset:     q.num("offset"),
	}
	if err := q.err(); err != nil {
		return 0, nil, err
	}
	res, err := s.api.AuditLogs(r.Context(), aq)
	return http.StatusOK, res, err
}

// --- Helpers ---

// params reads query parameters, keeping the first parse error.
type params struct {
	q     url.Values
	first error
}

func newParams(r *http.Request) *params { return &params{q: r.URL.Query()} }

func (p *params) str(name string) string { return p.q.Get(name) }

func (p *params) num(name string) int {
	v := p.q.Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(name, err)
	}
	return n
}

func (p *params) id(name string) *uuid.UUID {
	v := p.q.Get(name)
	if v == "" {
		return nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		p.fail(name, err)
		return nil
	}
	return &id
}

func (p *params) ts(name string) *time.Time {
	v := p.q.Get(name)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		p.fail(name, err)
		return nil
	}
	return &t
}

func (p *params) fail(name string, err error) {
	if p.first == nil {
		p.first = invalidParam(name, err)
	}
}

func (p *params) err() error { return p.first }

func pathUUID(p map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(p[name])
	if err != nil {
		return uuid.Nil, invalidParam(name, err)
	}
	return id, nil
}

func readBody(r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, invalidParam("body", err)
	}
	return data, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return invalidParam("body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, HTTPStatus(err), map[string]string{
		"error":  err.Error(),
		"reason": ledger.Reason(err),
	})
}
