package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ArenaLedger/internal/audit"
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/performance"
	"ArenaLedger/internal/persistence"
	"ArenaLedger/internal/query"
	"ArenaLedger/internal/ranking"
	"ArenaLedger/internal/server"
	"ArenaLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fixture struct {
	store *persistence.MemoryStore
	tour  *ledger.Tournament
	alice *ledger.Participant
	bob   *ledger.Participant
	api   *server.API
	hub   *server.Hub
	http  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := observability.NopLogger()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	store := persistence.NewMemoryStore()

	f := &fixture{store: store, tour: testutil.SeedTournament(t, store)}
	f.alice = testutil.SeedParticipant(t, store, f.tour, 0)
	f.bob = testutil.SeedParticipant(t, store, f.tour, time.Second)

	f.hub = server.NewHub(metrics, logger)
	engine := ranking.NewEngine(store, logger, ranking.WithPublisher(f.hub))
	cfg := core.DefaultConfig()
	cfg.Retry = persistence.RetryPolicy{Attempts: 1}

	f.api = &server.API{
		Coordinator: core.NewCoordinator(store, engine, cfg, logger),
		Ranking:     engine,
		Performance: performance.NewRecorder(store, logger),
		Audit:       audit.NewService(store, logger),
		Query:       query.NewQueryService(store),
	}

	health := observability.NewHealthChecker()
	health.SetReady(true)
	srv := server.NewHTTPServer("", f.api, server.HTTPDeps{
		Hub: f.hub, Health: health, Metrics: metrics, Gatherer: reg, Logger: logger,
	})
	h, err := srv.Handler()
	if err != nil {
		t.Fatal(err)
	}
	f.http = httptest.NewServer(h)
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (f *fixture) trade(p *ledger.Participant, ext, qty string) map[string]interface{} {
	return map[string]interface{}{
		"tournament_id":  f.tour.ID,
		"participant_id": p.ID,
		"payload": map[string]string{
			"external_trade_id": ext, "symbol": "AAPL", "side": "buy",
			"quantity": qty, "price": "150", "commission": "1",
		},
	}
}

func TestHTTP_SubmitTradeAndRead(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "POST", "/v1/events/trades", f.trade(f.alice, "t-1", "10"))
	if code != http.StatusOK {
		t.Fatalf("submit: %d %v", code, body)
	}
	if body["duplicate"] != false {
		t.Errorf("first submit flagged duplicate: %v", body)
	}

	code, body = f.do(t, "POST", "/v1/events/trades", f.trade(f.alice, "t-1", "10"))
	if code != http.StatusOK || body["duplicate"] != true {
		t.Errorf("redelivery: %d %v", code, body)
	}

	code, body = f.do(t, "GET", "/v1/participants/"+f.alice.ID.String(), nil)
	if code != http.StatusOK || body["current_balance"] != "98499" {
		t.Errorf("participant: %d balance %v", code, body["current_balance"])
	}

	code, body = f.do(t, "GET", "/v1/trades?participant_id="+f.alice.ID.String(), nil)
	if code != http.StatusOK {
		t.Fatalf("trades: %d %v", code, body)
	}
	if trades, _ := body["trades"].([]interface{}); len(trades) != 1 {
		t.Errorf("trades: got %v", body["trades"])
	}

	code, body = f.do(t, "GET", "/v1/statistics?tournament_id="+f.tour.ID.String(), nil)
	if code != http.StatusOK || body["executed_trades"] != float64(1) {
		t.Errorf("statistics: %d %v", code, body)
	}

	code, body = f.do(t, "GET", "/v1/audit?action="+ledger.ActionTradeDuplicateIgnored, nil)
	if entries, _ := body["entries"].([]interface{}); code != http.StatusOK || len(entries) != 1 {
		t.Errorf("audit: %d %v", code, body)
	}
}

func TestHTTP_ErrorMapping(t *testing.T) {
	f := newFixture(t)

	bad := f.trade(f.alice, "x", "0")
	code, body := f.do(t, "POST", "/v1/events/trades", bad)
	if code != http.StatusBadRequest || body["reason"] != "validation" {
		t.Errorf("validation: %d %v", code, body)
	}

	unknown := f.trade(&ledger.Participant{ID: uuid.New()}, "y", "1")
	if code, _ := f.do(t, "POST", "/v1/events/trades", unknown); code != http.StatusNotFound {
		t.Errorf("unknown participant: got %d, want 404", code)
	}

	code, _ = f.do(t, "POST", "/v1/tournaments/"+f.tour.ID.String()+"/status", map[string]string{"status": "draft"})
	if code != http.StatusConflict {
		t.Errorf("invalid transition: got %d, want 409", code)
	}

	if code, _ := f.do(t, "GET", "/v1/participants/not-a-uuid", nil); code != http.StatusBadRequest {
		t.Errorf("bad path id: got %d, want 400", code)
	}
	if code, _ := f.do(t, "GET", "/v1/trades?limit=ten", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d, want 400", code)
	}
	if code, _ := f.do(t, "GET", "/v1/tournaments/"+uuid.NewString()+"/leaderboard", nil); code != http.StatusNotFound {
		t.Errorf("unknown tournament: got %d, want 404", code)
	}
}

func TestHTTP_LeaderboardAndRank(t *testing.T) {
	f := newFixture(t)
	testutil.SetTotalPnL(t, f.store, f.bob.ID, "250")
	if _, err := f.api.Ranking.RecomputeRankings(context.Background(), f.tour.ID); err != nil {
		t.Fatal(err)
	}

	code, body := f.do(t, "GET", "/v1/tournaments/"+f.tour.ID.String()+"/leaderboard?limit=10", nil)
	if code != http.StatusOK {
		t.Fatalf("leaderboard: %d %v", code, body)
	}
	entries, _ := body["entries"].([]interface{})
	if len(entries) != 2 {
		t.Fatalf("entries: %v", body["entries"])
	}
	first := entries[0].(map[string]interface{})
	if first["participant_id"] != f.bob.ID.String() || first["rank"] != float64(1) {
		t.Errorf("first row: %v", first)
	}

	code, body = f.do(t, "GET", "/v1/participants/"+f.alice.ID.String()+"/rank", nil)
	if code != http.StatusOK || body["current_rank"] != float64(2) {
		t.Errorf("rank: %d %v", code, body)
	}
}

func TestHTTP_RegistryAndPerformance(t *testing.T) {
	f := newFixture(t)

	user := uuid.New()
	code, body := f.do(t, "POST", "/v1/tournaments/"+f.tour.ID.String()+"/participants",
		map[string]string{"user_id": user.String(), "display_name": "carol"})
	if code != http.StatusOK || body["user_id"] != user.String() {
		t.Fatalf("register: %d %v", code, body)
	}

	code, body = f.do(t, "POST", "/v1/participants/"+f.alice.ID.String()+"/performance", nil)
	if code != http.StatusCreated || body["source"] != string(ledger.SnapshotSourceManual) {
		t.Errorf("record performance: %d %v", code, body)
	}
	code, body = f.do(t, "GET", "/v1/participants/"+f.alice.ID.String()+"/performance/latest", nil)
	if code != http.StatusOK || body["participant_id"] != f.alice.ID.String() {
		t.Errorf("latest performance: %d %v", code, body)
	}
	code, body = f.do(t, "GET", "/v1/participants/"+f.alice.ID.String()+"/performance", nil)
	if snaps, _ := body["snapshots"].([]interface{}); code != http.StatusOK || len(snaps) != 1 {
		t.Errorf("history: %d %v", code, body)
	}

	code, body = f.do(t, "POST", "/v1/participants/"+f.alice.ID.String()+"/deactivate",
		map[string]string{"reason": "withdraw"})
	if code != http.StatusOK || body["active"] != false {
		t.Errorf("deactivate: %d %v", code, body)
	}
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.do(t, "GET", "/v1/participants/"+f.alice.ID.String(), nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		if code, _ := f.do(t, "GET", path, nil); code != http.StatusOK {
			t.Errorf("%s: got %d", path, code)
		}
	}

	resp, err := http.Get(f.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "arena_query_requests_total") {
		t.Error("metrics endpoint does not expose request counters")
	}
}

func TestWebsocketReceivesLeaderboard(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/leaderboard/" + f.tour.ID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Subscribers(f.tour.ID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if code, body := f.do(t, "POST", "/v1/events/trades", f.trade(f.bob, "ws-1", "1")); code != http.StatusOK {
		t.Fatalf("submit: %d %v", code, body)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var u ranking.Update
	if err := conn.ReadJSON(&u); err != nil {
		t.Fatalf("read: %v", err)
	}
	if u.TournamentID != f.tour.ID || len(u.Entries) != 2 {
		t.Errorf("update: %+v", u)
	}
}

func TestGRPC_JSONCodec(t *testing.T) {
	f := newFixture(t)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gs := server.NewGRPCServer("", f.api, observability.NopLogger())
	go gs.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	method := func(name string) string { return fmt.Sprintf("/%s/%s", server.EngineServiceName, name) }

	var res core.TradeResult
	if err := conn.Invoke(ctx, method("SubmitTrade"), f.trade(f.alice, "g-1", "10"), &res); err != nil {
		t.Fatalf("SubmitTrade: %v", err)
	}
	if res.Trade == nil || res.Trade.ExternalTradeID != "g-1" {
		t.Errorf("result: %+v", res)
	}

	var standing ranking.Standing
	if err := conn.Invoke(ctx, method("GetParticipantRank"), server.ParticipantRequest{ParticipantID: f.alice.ID}, &standing); err != nil {
		t.Fatalf("GetParticipantRank: %v", err)
	}
	// the carried opening commission puts alice below the untouched bob
	if standing.CurrentRank == nil || *standing.CurrentRank != 2 {
		t.Errorf("standing: %+v", standing)
	}

	var out map[string]interface{}
	err = conn.Invoke(ctx, method("GetParticipant"), server.ParticipantRequest{ParticipantID: uuid.New()}, &out)
	if status.Code(err) != codes.NotFound {
		t.Errorf("unknown participant: got %v, want NotFound", err)
	}
	err = conn.Invoke(ctx, method("SubmitTrade"), f.trade(f.alice, "g-2", "-1"), &out)
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("invalid trade: got %v, want InvalidArgument", err)
	}
}
