package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ArenaLedger/internal/core"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/notify"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/performance"
	"ArenaLedger/internal/persistence"
	"ArenaLedger/internal/ranking"
	"ArenaLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

type recordingNotifier struct {
	mu         sync.Mutex
	rejections []notify.Rejection
}

func (r *recordingNotifier) NotifyRejection(ctx context.Context, rej notify.Rejection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejections = append(r.rejections, rej)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rejections)
}

type harness struct {
	store    *persistence.MemoryStore
	engine   *ranking.Engine
	coord    *core.Coordinator
	notifier *recordingNotifier
	tour     *ledger.Tournament
}

func newHarness(t *testing.T, opts ...testutil.TournamentOption) *harness {
	t.Helper()
	store := persistence.NewMemoryStore()
	h := &harness{
		store:    store,
		notifier: &recordingNotifier{},
		tour:     testutil.SeedTournament(t, store, opts...),
	}
	h.engine = ranking.NewEngine(store, observability.NopLogger())
	h.coord = h.newCoordinator()
	return h
}

// newCoordinator returns a coordinator over the same store with a cold dedup cache,
// as after a process restart.
func (h *harness) newCoordinator() *core.Coordinator {
	cfg := core.DefaultConfig()
	cfg.Retry = persistence.RetryPolicy{Attempts: 1}
	return core.NewCoordinator(h.store, h.engine, cfg, observability.NopLogger(),
		core.WithNotifier(h.notifier),
		core.WithMetrics(observability.NewMetrics(prometheus.NewRegistry())),
	)
}

func (h *harness) envelope(p *ledger.Participant) event.Envelope {
	return event.Envelope{TournamentID: h.tour.ID, ParticipantID: p.ID, ReceivedAt: testutil.Epoch}
}

func (h *harness) trade(p *ledger.Participant, ext string, side ledger.Side, qty, price, commission string) *event.TradeReport {
	return &event.TradeReport{
		Envelope:        h.envelope(p),
		ExternalTradeID: ext,
		Symbol:          "AAPL",
		Side:            side,
		Quantity:        testutil.Dec(qty),
		Price:           testutil.Dec(price),
		Commission:      testutil.Dec(commission),
	}
}

func (h *harness) participant(t *testing.T, id uuid.UUID) *ledger.Participant {
	t.Helper()
	p, err := h.store.GetParticipant(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func (h *harness) auditCount(t *testing.T, action string) int {
	t.Helper()
	entries, err := h.store.QueryAudit(context.Background(), ledger.AuditFilter{Action: action, Limit: ledger.MaxPageSize})
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func dec(d decimal.Decimal) string { return d.String() }

func TestApplyTrade_OpeningBuy(t *testing.T) {
	h := newHarness(t)
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)

	res, err := h.coord.ApplyTradeEvent(context.Background(), h.trade(p, "ext-1", ledger.SideBuy, "10", "150", "1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Duplicate {
		t.Fatal("first delivery reported as duplicate")
	}
	if res.Trade.Status != ledger.TradeStatusExecuted {
		t.Errorf("status: got %s, want executed", res.Trade.Status)
	}

	got := h.participant(t, p.ID)
	if !got.CurrentBalance.Equal(testutil.Dec("98499")) {
		t.Errorf("balance: got %s, want 98499", dec(got.CurrentBalance))
	}
	if !got.RealizedPnL.IsZero() {
		t.Errorf("realized pnl: got %s, want 0", dec(got.RealizedPnL))
	}
	if got.TradeCount != 1 {
		t.Errorf("trade count: got %d, want 1", got.TradeCount)
	}
	if got.CurrentRank == nil || *got.CurrentRank != 1 {
		t.Error("ranking must be recomputed after the trade")
	}
	if n := h.auditCount(t, ledger.ActionTradeRecorded); n != 1 {
		t.Errorf("trade.recorded entries: got %d, want 1", n)
	}
}

// ===== Redelivery =====

func TestApplyTrade_RedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)
	ev := h.trade(p, "ext-1", ledger.SideBuy, "10", "150", "1")

	first, err := h.coord.ApplyTradeEvent(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}

	// warm cache, then a restarted coordinator that must fall back to the store
	for _, coord := range []*core.Coordinator{h.coord, h.coord, h.newCoordinator()} {
		res, err := coord.ApplyTradeEvent(context.Background(), ev)
		if err != nil {
			t.Fatalf("redelivery returned error: %v", err)
		}
		if !res.Duplicate {
			t.Error("redelivery not flagged duplicate")
		}
		if res.Trade.ID != first.Trade.ID {
			t.Errorf("redelivery must return the original trade")
		}
	}

	got := h.participant(t, p.ID)
	if !got.CurrentBalance.Equal(testutil.Dec("98499")) {
		t.Errorf("balance changed on redelivery: %s", dec(got.CurrentBalance))
	}
	trades, err := h.store.ListTrades(context.Background(), ledger.TradeFilter{ParticipantID: &p.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Errorf("trade rows: got %d, want 1", len(trades))
	}
	if n := h.auditCount(t, ledger.ActionTradeDuplicateIgnored); n != 3 {
		t.Errorf("duplicate_ignored entries: got %d, want 3", n)
	}
}

func TestApplyTrade_ConcurrentSameKey(t *testing.T) {
	h := newHarness(t)
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)
	ev := h.trade(p, "race", ledger.SideBuy, "1", "100", "0")

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.coord.ApplyTradeEvent(context.Background(), ev)
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if !res.Duplicate {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Errorf("first-time applications: got %d, want 1", fresh)
	}
	if got := h.participant(t, p.ID); got.TradeCount != 1 {
		t.Errorf("trade count: got %d, want 1", got.TradeCount)
	}
}

func TestApplyTrade_RedeliveryUnderNewDeliveryKey(t *testing.T) {
	h := newHarness(t)
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)
	ctx := context.Background()

	ev := h.trade(p, "T-1", ledger.SideBuy, "10", "150", "1")
	ev.Key = "delivery-1"
	first, err := h.coord.ApplyTradeEvent(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}

	resent := *ev
	resent.Key = "delivery-2"
	for i := 0; i < 2; i++ {
		res, err := h.coord.ApplyTradeEvent(ctx, &resent)
		if err != nil {
			t.Fatalf("redelivery %d under a new key: %v", i, err)
		}
		if !res.Duplicate || res.Trade.ID != first.Trade.ID {
			t.Errorf("redelivery %d must return the original trade as a duplicate", i)
		}
	}

	if n := h.auditCount(t, ledger.ActionTradeDuplicateIgnored); n != 2 {
		t.Errorf("duplicate_ignored entries: got %d, want 2", n)
	}
	if n := h.auditCount(t, ledger.ActionEventRejected); n != 0 {
		t.Errorf("rejected entries: got %d, want 0", n)
	}
	if got := h.participant(t, p.ID); !got.CurrentBalance.Equal(testutil.Dec("98499")) || got.TradeCount != 1 {
		t.Errorf("aggregates changed on redelivery: balance %s trades %d", dec(got.CurrentBalance), got.TradeCount)
	}
}

func TestApplyTrade_ExternalIDOwnedByAnotherParticipant(t *testing.T) {
	h := newHarness(t)
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)
	q := testutil.SeedParticipant(t, h.store, h.tour, time.Second)
	ctx := context.Background()

	if _, err := h.coord.ApplyTradeEvent(ctx, h.trade(p, "shared", ledger.SideBuy, "1", "100", "0")); err != nil {
		t.Fatal(err)
	}
	_, err := h.coord.ApplyTradeEvent(ctx, h.trade(q, "shared", ledger.SideBuy, "1", "100", "0"))
	if !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
	if h.notifier.count() != 1 {
		t.Errorf("rejections notified: got %d, want 1", h.notifier.count())
	}
	if got := h.participant(t, q.ID); got.TradeCount != 0 {
		t.Errorf("trade count: got %d, want 0", got.TradeCount)
	}
}

func TestApplyTrade_ConcurrentDistinctTradesNoLostUpdates(t *testing.T) {
	h := newHarness(t)
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := h.trade(p, fmt.Sprintf("t-%d", i), ledger.SideBuy, "1", "100", "0")
			if _, err := h.coord.ApplyTradeEvent(context.Background(), ev); err != nil {
				t.Errorf("apply %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got := h.participant(t, p.ID)
	if got.TradeCount != 40 {
		t.Errorf("trade count: got %d, want 40", got.TradeCount)
	}
	if !got.CurrentBalance.Equal(testutil.Dec("96000")) {
		t.Errorf("balance: got %s, want 96000", dec(got.CurrentBalance))
	}
	if !got.Positions["AAPL"].Quantity.Equal(testutil.Dec("40")) {
		t.Errorf("position: got %s, want 40", dec(got.Positions["AAPL"].Quantity))
	}
}

func TestApplyTrade_RoundTripConservation(t *testing.T) {
	h := newHarness(t)
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)
	ctx := context.Background()

	steps := []*event.TradeReport{
		h.trade(p, "a", ledger.SideBuy, "10", "100", "1"),
		h.trade(p, "b", ledger.SideSell, "4", "110", "1"),
		h.trade(p, "c", ledger.SideSell, "10", "90", "1"),
		h.trade(p, "d", ledger.SideBuy, "2", "90", "0"),
	}
	for _, ev := range steps {
		if _, err := h.coord.ApplyTradeEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
		got := h.participant(t, p.ID)
		if !got.TotalPnL.Equal(got.RealizedPnL.Add(got.UnrealizedPnL)) {
			t.Fatalf("after %s: total %s != realized %s + unrealized %s",
				ev.ExternalTradeID, got.TotalPnL, got.RealizedPnL, got.UnrealizedPnL)
		}
		marked := got.CurrentBalance.Sub(got.StartingBalance)
		for _, pos := range got.Positions {
			marked = marked.Add(pos.Quantity.Mul(pos.LastPrice))
		}
		if !got.TotalPnL.Equal(marked) {
			t.Fatalf("after %s: total %s != cash change plus marked positions %s",
				ev.ExternalTradeID, got.TotalPnL, marked)
		}
	}

	got := h.participant(t, p.ID)
	if got.WinCount != 1 || got.LossCount != 1 {
		t.Errorf("wins/losses: got %d/%d, want 1/1", got.WinCount, got.LossCount)
	}
}

// ===== Rejections =====

func TestApplyTrade_Rejections(t *testing.T) {
	h := newHarness(t)
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)
	other := testutil.SeedTournament(t, h.store)
	stranger := testutil.SeedParticipant(t, h.store, other, 0)

	badSymbol := h.trade(p, "sym", ledger.SideBuy, "1", "1", "0")
	badSymbol.Symbol = "DOGE"
	wrongTournament := h.trade(stranger, "wt", ledger.SideBuy, "1", "1", "0")
	unknown := h.trade(p, "unk", ledger.SideBuy, "1", "1", "0")
	unknown.ParticipantID = uuid.New()

	cases := []struct {
		name string
		ev   *event.TradeReport
		want error
	}{
		{"zero quantity", h.trade(p, "q", ledger.SideBuy, "0", "100", "0"), ledger.ErrValidation},
		{"negative price", h.trade(p, "p", ledger.SideBuy, "1", "-1", "0"), ledger.ErrValidation},
		{"negative commission", h.trade(p, "c", ledger.SideBuy, "1", "1", "-1"), ledger.ErrValidation},
		{"symbol outside universe", badSymbol, ledger.ErrValidation},
		{"unknown participant", unknown, ledger.ErrUnknownParticipant},
		{"participant of another tournament", wrongTournament, ledger.ErrUnknownParticipant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.coord.ApplyTradeEvent(context.Background(), tc.ev)
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}

	if n := h.auditCount(t, ledger.ActionEventRejected); n != len(cases) {
		t.Errorf("event.rejected entries: got %d, want %d", n, len(cases))
	}
	if h.notifier.count() != len(cases) {
		t.Errorf("operator alerts: got %d, want %d", h.notifier.count(), len(cases))
	}
	if got := h.participant(t, p.ID); got.TradeCount != 0 || !got.CurrentBalance.Equal(testutil.Dec("100000")) {
		t.Error("rejected events must leave aggregates untouched")
	}
}

// ===== Completed tournament =====

func TestCompletedTournamentAcceptsOnlySettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)

	if _, err := h.coord.ApplyTradeEvent(ctx, h.trade(p, "early", ledger.SideBuy, "1", "100", "0")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.TransitionTournament(ctx, &event.TournamentStatusChange{
		TournamentID: h.tour.ID, Status: ledger.TournamentCompleted,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := h.coord.ApplyTradeEvent(ctx, h.trade(p, "late", ledger.SideBuy, "1", "100", "0"))
	if !errors.Is(err, ledger.ErrTournamentNotActive) {
		t.Fatalf("new trade: got %v, want ErrTournamentNotActive", err)
	}

	res, err := h.coord.ApplyTradeStatusEvent(ctx, &event.TradeStatusUpdate{
		Envelope:        h.envelope(p),
		ExternalTradeID: "early",
		Status:          ledger.TradeStatusSettled,
	})
	if err != nil {
		t.Fatalf("settlement: %v", err)
	}
	if res.Trade.Status != ledger.TradeStatusSettled || res.Trade.SettledAt == nil {
		t.Errorf("trade not settled: %+v", res.Trade)
	}

	_, err = h.coord.ApplyTradeStatusEvent(ctx, &event.TradeStatusUpdate{
		Envelope:        h.envelope(p),
		ExternalTradeID: "early",
		Status:          ledger.TradeStatusCancelled,
	})
	if !errors.Is(err, ledger.ErrTournamentNotActive) {
		t.Errorf("non-settlement update: got %v, want ErrTournamentNotActive", err)
	}

	// redelivering the original trade after completion still reads as a duplicate
	dup, err := h.newCoordinator().ApplyTradeEvent(ctx, h.trade(p, "early", ledger.SideBuy, "1", "100", "0"))
	if err != nil || !dup.Duplicate {
		t.Errorf("redelivery after completion: dup=%v err=%v", dup, err)
	}
}

func TestPendingTradeAffectsAggregatesOnExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)

	ev := h.trade(p, "pend", ledger.SideBuy, "10", "150", "1")
	ev.Status = ledger.TradeStatusPending
	if _, err := h.coord.ApplyTradeEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if got := h.participant(t, p.ID); got.TradeCount != 0 || !got.CurrentBalance.Equal(testutil.Dec("100000")) {
		t.Fatal("pending trade must not touch aggregates")
	}

	upd := &event.TradeStatusUpdate{Envelope: h.envelope(p), ExternalTradeID: "pend", Status: ledger.TradeStatusExecuted}
	res, err := h.coord.ApplyTradeStatusEvent(ctx, upd)
	if err != nil {
		t.Fatal(err)
	}
	if res.Trade.ExecutedAt == nil {
		t.Error("executed_at not stamped")
	}
	got := h.participant(t, p.ID)
	if got.TradeCount != 1 || !got.CurrentBalance.Equal(testutil.Dec("98499")) {
		t.Errorf("after execution: trades %d balance %s", got.TradeCount, dec(got.CurrentBalance))
	}

	again, err := h.coord.ApplyTradeStatusEvent(ctx, upd)
	if err != nil || !again.Duplicate {
		t.Errorf("status redelivery: dup=%v err=%v", again, err)
	}

	_, err = h.coord.ApplyTradeStatusEvent(ctx, &event.TradeStatusUpdate{
		Envelope: h.envelope(p), ExternalTradeID: "pend", Status: ledger.TradeStatusRejected,
	})
	if !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Errorf("executed -> rejected: got %v, want ErrInvalidTransition", err)
	}

	_, err = h.coord.ApplyTradeStatusEvent(ctx, &event.TradeStatusUpdate{
		Envelope: h.envelope(p), ExternalTradeID: "missing", Status: ledger.TradeStatusSettled,
	})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("unknown trade: got %v, want ErrNotFound", err)
	}
}

// ===== Snapshots and ranking =====

func TestApplySnapshot_TiedTotalsRankByRegistration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := testutil.SeedParticipant(t, h.store, h.tour, 0)
	b := testutil.SeedParticipant(t, h.store, h.tour, time.Second)
	c := testutil.SeedParticipant(t, h.store, h.tour, 2*time.Second)

	for _, step := range []struct {
		p     *ledger.Participant
		total string
	}{{c, "-100"}, {b, "500"}, {a, "500"}} {
		realized := testutil.Dec(step.total)
		res, err := h.coord.ApplySnapshotEvent(ctx, &event.PerformanceReport{
			Envelope:    h.envelope(step.p),
			RecordedAt:  testutil.Epoch.Add(time.Hour),
			RealizedPnL: &realized,
		})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Participant.TotalPnL.Equal(realized) {
			t.Errorf("total pnl: got %s, want %s", res.Participant.TotalPnL, realized)
		}
	}

	board, err := h.engine.GetLeaderboard(ctx, h.tour.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []uuid.UUID{a.ID, b.ID, c.ID}
	if len(board) != 3 {
		t.Fatalf("leaderboard: got %d rows", len(board))
	}
	for i, e := range board {
		if e.ParticipantID != want[i] || e.Rank != i+1 {
			t.Errorf("row %d: got %s rank %d", i, e.ParticipantID, e.Rank)
		}
	}

	latest, err := h.store.LatestSnapshot(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Source != ledger.SnapshotSourceEvent || !latest.TotalPnL.Equal(testutil.Dec("500")) {
		t.Errorf("snapshot: source %s pnl %s", latest.Source, latest.TotalPnL)
	}
}

func TestApplySnapshot_DuplicateAndReconciliation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)

	realized, unrealized := testutil.Dec("10"), testutil.Dec("5")
	wrongTotal := testutil.Dec("20")
	_, err := h.coord.ApplySnapshotEvent(ctx, &event.PerformanceReport{
		Envelope: h.envelope(p), RecordedAt: testutil.Epoch,
		RealizedPnL: &realized, UnrealizedPnL: &unrealized, TotalPnL: &wrongTotal,
	})
	if !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("unreconciled total: got %v, want ErrValidation", err)
	}

	total := testutil.Dec("15")
	ev := &event.PerformanceReport{
		Envelope: h.envelope(p), RecordedAt: testutil.Epoch,
		RealizedPnL: &realized, UnrealizedPnL: &unrealized, TotalPnL: &total,
	}
	first, err := h.coord.ApplySnapshotEvent(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	again, err := h.newCoordinator().ApplySnapshotEvent(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Duplicate || again.Snapshot.ID != first.Snapshot.ID {
		t.Error("snapshot redelivery must return the original snapshot")
	}
	if n := h.auditCount(t, ledger.ActionSnapshotDuplicate); n != 1 {
		t.Errorf("snapshot.duplicate_ignored entries: got %d, want 1", n)
	}
}

func TestApplySnapshot_InstantTakenByManualSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)
	at := testutil.Epoch.Add(13 * time.Hour)

	rec := performance.NewRecorder(h.store, observability.NopLogger())
	if _, err := rec.RecordPerformance(ctx, performance.Request{ParticipantID: p.ID, RecordedAt: at, Source: ledger.SnapshotSourceManual}); err != nil {
		t.Fatal(err)
	}

	realized := testutil.Dec("42")
	_, err := h.coord.ApplySnapshotEvent(ctx, &event.PerformanceReport{
		Envelope:    h.envelope(p),
		RecordedAt:  at,
		RealizedPnL: &realized,
	})
	if !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
	if n := h.auditCount(t, ledger.ActionEventRejected); n != 1 {
		t.Errorf("rejected entries: got %d, want 1", n)
	}
	if got := h.participant(t, p.ID); !got.RealizedPnL.IsZero() {
		t.Errorf("rejected report changed realized pnl to %s", got.RealizedPnL)
	}
}

func TestApplySnapshot_RedeliveryUnderNewDeliveryKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)

	realized := testutil.Dec("10")
	ev := &event.PerformanceReport{
		Envelope:    h.envelope(p),
		RecordedAt:  testutil.Epoch.Add(time.Hour),
		RealizedPnL: &realized,
	}
	ev.Key = "report-1"
	first, err := h.coord.ApplySnapshotEvent(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}

	resent := *ev
	resent.Key = "report-2"
	again, err := h.coord.ApplySnapshotEvent(ctx, &resent)
	if err != nil {
		t.Fatalf("redelivery under a new key: %v", err)
	}
	if !again.Duplicate || again.Snapshot.ID != first.Snapshot.ID {
		t.Error("redelivery must return the original snapshot as a duplicate")
	}
	if n := h.auditCount(t, ledger.ActionSnapshotDuplicate); n != 1 {
		t.Errorf("snapshot.duplicate_ignored entries: got %d, want 1", n)
	}
}

func TestApplySnapshot_MarksRepriceOpenPositions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)

	if _, err := h.coord.ApplyTradeEvent(ctx, h.trade(p, "open", ledger.SideBuy, "10", "100", "0")); err != nil {
		t.Fatal(err)
	}
	res, err := h.coord.ApplySnapshotEvent(ctx, &event.PerformanceReport{
		Envelope:   h.envelope(p),
		RecordedAt: testutil.Epoch.Add(time.Minute),
		Marks:      map[string]decimal.Decimal{"aapl": testutil.Dec("112")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Participant.UnrealizedPnL.Equal(testutil.Dec("120")) {
		t.Errorf("unrealized: got %s, want 120", res.Participant.UnrealizedPnL)
	}
	if res.Snapshot.OpenPositions != 1 {
		t.Errorf("open positions: got %d, want 1", res.Snapshot.OpenPositions)
	}
}

// ===== Registry =====

// staleScanStore hides committed participants from the in-transaction scan, as when
// another replica registers the same user between the scan and the insert.
type staleScanStore struct{ *persistence.MemoryStore }

func (s staleScanStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.MemoryStore.InTx(ctx, func(tx ledger.Tx) error { return fn(staleScanTx{tx}) })
}

type staleScanTx struct{ ledger.Tx }

func (staleScanTx) ListParticipants(ctx context.Context, tournamentID uuid.UUID) ([]*ledger.Participant, error) {
	return nil, nil
}

func TestRegisterParticipant_LostRaceReturnsExisting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := testutil.SeedParticipant(t, h.store, h.tour, 0)

	cfg := core.DefaultConfig()
	cfg.Retry = persistence.RetryPolicy{Attempts: 1}
	coord := core.NewCoordinator(staleScanStore{h.store}, h.engine, cfg, observability.NopLogger(),
		core.WithNotifier(h.notifier))

	got, err := coord.RegisterParticipant(ctx, &event.ParticipantRegistration{TournamentID: h.tour.ID, UserID: p.UserID})
	if err != nil {
		t.Fatalf("losing registration: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("got participant %s, want existing %s", got.ID, p.ID)
	}
	if h.notifier.count() != 0 {
		t.Errorf("rejections notified: got %d, want 0", h.notifier.count())
	}
	all, err := h.store.ListParticipants(ctx, h.tour.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("participants: got %d, want 1", len(all))
	}
}

func TestTournamentLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tour, err := h.coord.CreateTournament(ctx, &ledger.Tournament{
		Name:            "spring open",
		Division:        ledger.DivisionLowRisk,
		StartsAt:        testutil.Epoch,
		EndsAt:          testutil.Epoch.Add(24 * time.Hour),
		StartingBalance: testutil.Dec("50000"),
		Symbols:         []string{"btcusd"},
	}, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if tour.Status != ledger.TournamentDraft || tour.Symbols[0] != "BTCUSD" {
		t.Errorf("created: status %s symbols %v", tour.Status, tour.Symbols)
	}

	user := uuid.New()
	_, err = h.coord.RegisterParticipant(ctx, &event.ParticipantRegistration{TournamentID: tour.ID, UserID: user})
	if !errors.Is(err, ledger.ErrTournamentNotActive) {
		t.Errorf("register in draft: got %v, want ErrTournamentNotActive", err)
	}

	transition := func(to ledger.TournamentStatus) error {
		_, err := h.coord.TransitionTournament(ctx, &event.TournamentStatusChange{TournamentID: tour.ID, Status: to})
		return err
	}
	if err := transition(ledger.TournamentActive); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Errorf("draft -> active: got %v, want ErrInvalidTransition", err)
	}
	if err := transition(ledger.TournamentRegistrationOpen); err != nil {
		t.Fatal(err)
	}
	if err := transition(ledger.TournamentRegistrationOpen); err != nil {
		t.Errorf("repeated status must be a no-op, got %v", err)
	}

	p, err := h.coord.RegisterParticipant(ctx, &event.ParticipantRegistration{TournamentID: tour.ID, UserID: user, DisplayName: "ana"})
	if err != nil {
		t.Fatal(err)
	}
	if !p.CurrentBalance.Equal(testutil.Dec("50000")) {
		t.Errorf("starting balance: got %s", p.CurrentBalance)
	}
	again, err := h.coord.RegisterParticipant(ctx, &event.ParticipantRegistration{TournamentID: tour.ID, UserID: user})
	if err != nil || again.ID != p.ID {
		t.Errorf("re-registration must return the existing participant: %v", err)
	}

	for _, to := range []ledger.TournamentStatus{ledger.TournamentRegistrationClosed, ledger.TournamentActive, ledger.TournamentCompleted} {
		if err := transition(to); err != nil {
			t.Fatalf("-> %s: %v", to, err)
		}
	}
	if err := transition(ledger.TournamentCancelled); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Errorf("completed -> cancelled: got %v, want ErrInvalidTransition", err)
	}

	got := h.participant(t, p.ID)
	if got.CurrentRank == nil || *got.CurrentRank != 1 {
		t.Error("completion must run a final recompute")
	}
	if n := h.auditCount(t, ledger.ActionTournamentStatus); n != 4 {
		t.Errorf("status_changed entries: got %d, want 4", n)
	}
}

func TestDeactivateParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := testutil.SeedParticipant(t, h.store, h.tour, 0)
	b := testutil.SeedParticipant(t, h.store, h.tour, time.Second)

	if _, err := h.coord.ApplyTradeEvent(ctx, h.trade(a, "x", ledger.SideBuy, "1", "100", "0")); err != nil {
		t.Fatal(err)
	}

	got, err := h.coord.DeactivateParticipant(ctx, &event.ParticipantDeactivation{
		ParticipantID: a.ID, Reason: event.ReasonDisqualified, Actor: "admin", Note: "wash trading",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Active || !got.Disqualified {
		t.Errorf("flags: active=%v disqualified=%v", got.Active, got.Disqualified)
	}

	stored := h.participant(t, a.ID)
	if stored.CurrentRank != nil {
		t.Error("deactivated participant must leave the ranking")
	}
	if stored.BestRank == nil || *stored.BestRank != 1 {
		t.Error("best rank must survive deactivation")
	}
	if r := h.participant(t, b.ID).CurrentRank; r == nil || *r != 1 {
		t.Error("remaining participant must move to rank 1")
	}

	_, err = h.coord.ApplyTradeEvent(ctx, h.trade(a, "y", ledger.SideBuy, "1", "100", "0"))
	if !errors.Is(err, ledger.ErrUnknownParticipant) {
		t.Errorf("trade for inactive participant: got %v, want ErrUnknownParticipant", err)
	}

	if _, err := h.coord.DeactivateParticipant(ctx, &event.ParticipantDeactivation{
		ParticipantID: a.ID, Reason: event.ReasonWithdrawn,
	}); err != nil {
		t.Errorf("repeated deactivation must be a no-op, got %v", err)
	}
	if n := h.auditCount(t, ledger.ActionParticipantDeactivated); n != 1 {
		t.Errorf("deactivated entries: got %d, want 1", n)
	}
}

// ===== Dedup cache =====

func TestDedupCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := core.NewDedupCache(2)
	tid := uuid.New()

	c.Add(tid, "a")
	c.Add(tid, "b")
	c.Contains(tid, "a")
	c.Add(tid, "c")

	if !c.Contains(tid, "a") || !c.Contains(tid, "c") {
		t.Error("recently used keys must stay")
	}
	if c.Contains(tid, "b") {
		t.Error("least recently used key must be evicted")
	}
	if c.Contains(uuid.New(), "a") {
		t.Error("keys are scoped per tournament")
	}
	if c.Evictions() != 1 || c.Size() != 2 {
		t.Errorf("evictions %d size %d", c.Evictions(), c.Size())
	}
}
