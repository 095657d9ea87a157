package ranking_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/persistence"
	"ArenaLedger/internal/ranking"
	"ArenaLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

type capturePublisher struct {
	mu      sync.Mutex
	updates []ranking.Update
}

func (c *capturePublisher) Publish(u ranking.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

type failingStore struct {
	ledger.Store
	fail bool
}

func (f *failingStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return f.Store.InTx(ctx, func(tx ledger.Tx) error {
		if f.fail {
			return fn(failingTx{tx})
		}
		return fn(tx)
	})
}

type failingTx struct{ ledger.Tx }

func (failingTx) ApplyRanking(ctx context.Context, id uuid.UUID, ranks []ledger.RankAssignment) error {
	return fmt.Errorf("%w: disk full", ledger.ErrPersistence)
}

func quickRetry() persistence.RetryPolicy {
	return persistence.RetryPolicy{Attempts: 1}
}

func TestComputeTieBreakByRegistration(t *testing.T) {
	tour := &ledger.Tournament{ID: uuid.New(), StartingBalance: testutil.Dec("100000")}
	mk := func(total string, offset time.Duration) *ledger.Participant {
		p := ledger.NewParticipant(tour, uuid.New(), "", testutil.Epoch.Add(offset))
		p.RealizedPnL = testutil.Dec(total)
		p.Reconcile()
		return p
	}
	a, b, c := mk("500", 0), mk("500", time.Minute), mk("-100", 2*time.Minute)

	// input order must not matter
	inputs := [][]*ledger.Participant{{a, b, c}, {c, b, a}, {b, c, a}}
	for _, in := range inputs {
		got := ranking.Compute(in)
		want := []uuid.UUID{a.ID, b.ID, c.ID}
		for i, r := range got {
			if r.ParticipantID != want[i] || r.Rank != i+1 {
				t.Fatalf("position %d: got %s rank %d", i, r.ParticipantID, r.Rank)
			}
		}
	}
}

func TestComputeSkipsInactive(t *testing.T) {
	tour := &ledger.Tournament{ID: uuid.New()}
	active := ledger.NewParticipant(tour, uuid.New(), "", testutil.Epoch)
	gone := ledger.NewParticipant(tour, uuid.New(), "", testutil.Epoch)
	gone.Active = false
	dq := ledger.NewParticipant(tour, uuid.New(), "", testutil.Epoch)
	dq.Disqualified = true

	got := ranking.Compute([]*ledger.Participant{gone, dq, active})
	if len(got) != 1 || got[0].ParticipantID != active.ID || got[0].Rank != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestComputeDenseRanks(t *testing.T) {
	tour := &ledger.Tournament{ID: uuid.New()}
	rng := rand.New(rand.NewSource(7))
	var ps []*ledger.Participant
	for i := 0; i < 200; i++ {
		p := ledger.NewParticipant(tour, uuid.New(), "", testutil.Epoch.Add(time.Duration(rng.Intn(50))*time.Second))
		p.RealizedPnL = testutil.Dec(fmt.Sprintf("%d", rng.Intn(20)-10))
		p.Reconcile()
		ps = append(ps, p)
	}

	ranks := ranking.Compute(ps)
	if err := ledger.NewInvariantValidator().ValidateDenseRanking(ranks); err != nil {
		t.Fatal(err)
	}
	if len(ranks) != 200 {
		t.Errorf("ranked: got %d, want 200", len(ranks))
	}
}

// Totals {500, 500, -100}, registered A, B, C -> A:1, B:2, C:3.
func TestRecomputeTiedTotalsByRegistration(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	tour := testutil.SeedTournament(t, store)
	a := testutil.SeedParticipant(t, store, tour, 0)
	b := testutil.SeedParticipant(t, store, tour, time.Second)
	c := testutil.SeedParticipant(t, store, tour, 2*time.Second)
	testutil.SetTotalPnL(t, store, a.ID, "500")
	testutil.SetTotalPnL(t, store, b.ID, "500")
	testutil.SetTotalPnL(t, store, c.ID, "-100")

	pub := &capturePublisher{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	eng := ranking.NewEngine(store, observability.NopLogger(),
		ranking.WithPublisher(pub), ranking.WithMetrics(metrics))

	for i := 0; i < 3; i++ {
		if _, err := eng.RecomputeRankings(ctx, tour.ID); err != nil {
			t.Fatal(err)
		}
		board, err := eng.GetLeaderboard(ctx, tour.ID, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		want := []uuid.UUID{a.ID, b.ID, c.ID}
		if len(board) != 3 {
			t.Fatalf("leaderboard size: got %d", len(board))
		}
		for i, e := range board {
			if e.ParticipantID != want[i] || e.Rank != i+1 {
				t.Errorf("row %d: got %s rank %d", i, e.ParticipantID, e.Rank)
			}
		}
	}

	if len(pub.updates) != 3 {
		t.Fatalf("published: got %d, want 3", len(pub.updates))
	}
	if pub.updates[2].Version != 3 {
		t.Errorf("version: got %d, want 3", pub.updates[2].Version)
	}

	audits, err := store.QueryAudit(ctx, ledger.AuditFilter{Action: ledger.ActionRankingRecomputed})
	if err != nil {
		t.Fatal(err)
	}
	if len(audits) != 3 {
		t.Errorf("audit entries: got %d, want 3", len(audits))
	}
}

func TestBestRankNeverWorsens(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	tour := testutil.SeedTournament(t, store)
	a := testutil.SeedParticipant(t, store, tour, 0)
	b := testutil.SeedParticipant(t, store, tour, time.Second)
	eng := ranking.NewEngine(store, observability.NopLogger())

	best := func(id uuid.UUID) int {
		t.Helper()
		s, err := eng.GetParticipantRank(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		return *s.BestRank
	}

	testutil.SetTotalPnL(t, store, b.ID, "10")
	if _, err := eng.RecomputeRankings(ctx, tour.ID); err != nil {
		t.Fatal(err)
	}
	if best(a.ID) != 2 || best(b.ID) != 1 {
		t.Fatalf("initial best: a=%d b=%d", best(a.ID), best(b.ID))
	}

	prevA, prevB := best(a.ID), best(b.ID)
	for _, total := range []string{"20", "-5", "15", "0"} {
		testutil.SetTotalPnL(t, store, a.ID, total)
		if _, err := eng.RecomputeRankings(ctx, tour.ID); err != nil {
			t.Fatal(err)
		}
		nowA, nowB := best(a.ID), best(b.ID)
		if nowA > prevA || nowB > prevB {
			t.Fatalf("best rank worsened: a %d->%d b %d->%d", prevA, nowA, prevB, nowB)
		}
		prevA, prevB = nowA, nowB
	}
	if prevA != 1 {
		t.Errorf("a reached rank 1 at some point, best: got %d", prevA)
	}
}

func TestRecomputeFailureKeepsPreviousRanking(t *testing.T) {
	ctx := context.Background()
	mem := persistence.NewMemoryStore()
	store := &failingStore{Store: mem}
	tour := testutil.SeedTournament(t, mem)
	a := testutil.SeedParticipant(t, mem, tour, 0)
	b := testutil.SeedParticipant(t, mem, tour, time.Second)

	pub := &capturePublisher{}
	eng := ranking.NewEngine(store, observability.NopLogger(),
		ranking.WithPublisher(pub), ranking.WithRetryPolicy(quickRetry()))
	if _, err := eng.RecomputeRankings(ctx, tour.ID); err != nil {
		t.Fatal(err)
	}

	testutil.SetTotalPnL(t, mem, b.ID, "100")
	store.fail = true
	if _, err := eng.RecomputeRankings(ctx, tour.ID); err == nil {
		t.Fatal("expected recompute failure")
	}

	board, err := eng.GetLeaderboard(ctx, tour.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if board[0].ParticipantID != a.ID {
		t.Errorf("previous ranking must stay: leader %s", board[0].ParticipantID)
	}
	if len(pub.updates) != 1 {
		t.Errorf("failed recompute must not publish, got %d updates", len(pub.updates))
	}

	got, err := mem.GetTournament(ctx, tour.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RankingVersion != 1 {
		t.Errorf("version bump must roll back, got %d", got.RankingVersion)
	}
}

func TestDeactivatedParticipantLosesRank(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	tour := testutil.SeedTournament(t, store)
	a := testutil.SeedParticipant(t, store, tour, 0)
	b := testutil.SeedParticipant(t, store, tour, time.Second)
	eng := ranking.NewEngine(store, observability.NopLogger())

	if _, err := eng.RecomputeRankings(ctx, tour.ID); err != nil {
		t.Fatal(err)
	}

	err := store.InTx(ctx, func(tx ledger.Tx) error {
		p, err := tx.GetParticipant(ctx, a.ID)
		if err != nil {
			return err
		}
		p.Active = false
		return tx.UpdateParticipant(ctx, p, p.Version)
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.RecomputeRankings(ctx, tour.ID); err != nil {
		t.Fatal(err)
	}

	standing, err := eng.GetParticipantRank(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if standing.CurrentRank != nil {
		t.Errorf("inactive participant keeps rank %d", *standing.CurrentRank)
	}
	if standing.BestRank == nil || *standing.BestRank != 1 {
		t.Error("best rank is a high-water mark and must survive deactivation")
	}

	board, err := eng.GetLeaderboard(ctx, tour.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(board) != 1 || board[0].ParticipantID != b.ID || board[0].Rank != 1 {
		t.Errorf("leaderboard: got %+v", board)
	}
}

func TestGetLeaderboardUnknownTournament(t *testing.T) {
	eng := ranking.NewEngine(persistence.NewMemoryStore(), observability.NopLogger())
	if _, err := eng.GetLeaderboard(context.Background(), uuid.New(), 10, 0); err == nil {
		t.Fatal("expected error for unknown tournament")
	}
}
