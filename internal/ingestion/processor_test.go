package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ArenaLedger/internal/core"
	"ArenaLedger/internal/ingestion"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/persistence"
	"ArenaLedger/internal/ranking"
	"ArenaLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

type settlement struct {
	mu         sync.Mutex
	acks, naks int
}

func (s *settlement) raw(kind ingestion.Kind, data []byte) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   "arena.test",
		Kind:      kind,
		Data:      data,
		Timestamp: testutil.Epoch,
		AckFunc:   func() { s.mu.Lock(); s.acks++; s.mu.Unlock() },
		NakFunc:   func() { s.mu.Lock(); s.naks++; s.mu.Unlock() },
	}
}

func tradeWire(t *testing.T, tid, pid uuid.UUID, ext string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"tournament_id":  tid,
		"participant_id": pid,
		"payload": map[string]string{
			"external_trade_id": ext, "symbol": "AAPL", "side": "buy",
			"quantity": "10", "price": "150", "commission": "1",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func newProcessor(t *testing.T, store ledger.Store) *ingestion.Processor {
	t.Helper()
	logger := observability.NopLogger()
	cfg := core.DefaultConfig()
	cfg.Retry = persistence.RetryPolicy{Attempts: 1}
	coord := core.NewCoordinator(store, ranking.NewEngine(store, logger), cfg, logger)
	return ingestion.NewProcessor(coord, nil, logger)
}

func TestProcessor_AcksAppliedDuplicateAndRejected(t *testing.T) {
	store := persistence.NewMemoryStore()
	tour := testutil.SeedTournament(t, store)
	p := testutil.SeedParticipant(t, store, tour, 0)
	proc := newProcessor(t, store)
	s := &settlement{}
	ctx := context.Background()

	proc.Handle(ctx, s.raw(ingestion.KindTrade, tradeWire(t, tour.ID, p.ID, "a")))
	proc.Handle(ctx, s.raw(ingestion.KindTrade, tradeWire(t, tour.ID, p.ID, "a")))
	proc.Handle(ctx, s.raw(ingestion.KindTrade, tradeWire(t, tour.ID, uuid.New(), "b")))
	proc.Handle(ctx, s.raw(ingestion.KindTrade, []byte("garbage")))

	if s.acks != 4 || s.naks != 0 {
		t.Errorf("acks/naks: got %d/%d, want 4/0", s.acks, s.naks)
	}
	got, _ := store.GetParticipant(ctx, p.ID)
	if !got.CurrentBalance.Equal(testutil.Dec("98499")) {
		t.Errorf("balance: got %s, want 98499", got.CurrentBalance)
	}
}

type unavailableStore struct{ *persistence.MemoryStore }

func (unavailableStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return fmt.Errorf("%w: connection refused", ledger.ErrPersistence)
}

func TestProcessor_NaksTransientFailure(t *testing.T) {
	mem := persistence.NewMemoryStore()
	tour := testutil.SeedTournament(t, mem)
	p := testutil.SeedParticipant(t, mem, tour, 0)
	proc := newProcessor(t, unavailableStore{mem})
	s := &settlement{}

	proc.Handle(context.Background(), s.raw(ingestion.KindTrade, tradeWire(t, tour.ID, p.ID, "a")))

	if s.acks != 0 || s.naks != 1 {
		t.Errorf("acks/naks: got %d/%d, want 0/1", s.acks, s.naks)
	}
}

func TestProcessor_RunDrainsWithWorkers(t *testing.T) {
	store := persistence.NewMemoryStore()
	tour := testutil.SeedTournament(t, store)
	p := testutil.SeedParticipant(t, store, tour, 0)
	proc := newProcessor(t, store)
	s := &settlement{}

	in := make(chan ingestion.RawEvent, 20)
	for i := 0; i < 20; i++ {
		in <- s.raw(ingestion.KindTrade, tradeWire(t, tour.ID, p.ID, fmt.Sprintf("t-%d", i%10)))
	}
	close(in)
	proc.Run(context.Background(), in, 4)

	if s.acks != 20 {
		t.Errorf("acks: got %d, want 20", s.acks)
	}
	got, _ := store.GetParticipant(context.Background(), p.ID)
	if got.TradeCount != 10 {
		t.Errorf("trade count: got %d, want 10", got.TradeCount)
	}
}

func TestDispatch_UnsupportedMessage(t *testing.T) {
	_, err := ingestion.Dispatch(context.Background(), nil, struct{}{})
	if !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}

type fakeStream struct {
	mu       sync.Mutex
	subjects []string
	done     chan struct{}
}

func (f *fakeStream) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.done <- struct{}{}
	return &jetstream.PubAck{}, nil
}

func TestLeaderboardPublisher(t *testing.T) {
	fs := &fakeStream{done: make(chan struct{}, 4)}
	pub := ingestion.NewLeaderboardPublisher(fs, 1, nil, observability.NopLogger())
	tid := uuid.New()

	pub.Publish(ranking.Update{TournamentID: tid, Version: 1})
	pub.Publish(ranking.Update{TournamentID: tid, Version: 2}) // buffer full: dropped, must not block

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	select {
	case <-fs.done:
	case <-time.After(2 * time.Second):
		t.Fatal("update not published")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.subjects) != 1 || fs.subjects[0] != "arena.leaderboard."+tid.String() {
		t.Errorf("subjects: %v", fs.subjects)
	}
}

var (
	_ ingestion.Applier  = (*core.Coordinator)(nil)
	_ ranking.Publisher = (*ingestion.LeaderboardPublisher)(nil)
)
