package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ArenaLedger/internal/ledger"

	"github.com/google/uuid"
)

type scopedKey struct {
	tournamentID uuid.UUID
	key          string
}

type snapshotSlot struct {
	participantID uuid.UUID
	recordedAt    int64
}

// MemoryStore is an in-process ledger.Store. Transactions hold an exclusive lock
// and keep an undo log, so a failed unit of work leaves no trace. Used by tests
// and by the service when no Postgres URL is configured.
type MemoryStore struct {
	mu sync.RWMutex

	tournaments  map[uuid.UUID]*ledger.Tournament
	participants map[uuid.UUID]*ledger.Participant
	trades       map[uuid.UUID]*ledger.Trade
	tradeByExt   map[scopedKey]uuid.UUID
	processed    map[scopedKey]*ledger.ProcessedEvent
	snapshots    map[uuid.UUID]*ledger.PerformanceSnapshot
	snapshotSlot map[snapshotSlot]uuid.UUID
	audit        []*ledger.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tournaments:  make(map[uuid.UUID]*ledger.Tournament),
		participants: make(map[uuid.UUID]*ledger.Participant),
		trades:       make(map[uuid.UUID]*ledger.Trade),
		tradeByExt:   make(map[scopedKey]uuid.UUID),
		processed:    make(map[scopedKey]*ledger.ProcessedEvent),
		snapshots:    make(map[uuid.UUID]*ledger.PerformanceSnapshot),
		snapshotSlot: make(map[snapshotSlot]uuid.UUID),
	}
}

// InTx runs fn under the store's write lock and rolls back every write if fn fails.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrPersistence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

// ----------------------------------------------------------------------------
// Reads
// ----------------------------------------------------------------------------

func (s *MemoryStore) GetTournament(ctx context.Context, id uuid.UUID) (*ledger.Tournament, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTournament(id)
}

func (s *MemoryStore) GetParticipant(ctx context.Context, id uuid.UUID) (*ledger.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getParticipant(id)
}

func (s *MemoryStore) ListParticipants(ctx context.Context, tournamentID uuid.UUID) ([]*ledger.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listParticipants(tournamentID), nil
}

func (s *MemoryStore) GetTrade(ctx context.Context, id uuid.UUID) (*ledger.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTrade(id)
}

func (s *MemoryStore) GetTradeByExternalID(ctx context.Context, tournamentID uuid.UUID, externalID string) (*ledger.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTradeByExternalID(tournamentID, externalID)
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, id uuid.UUID) (*ledger.PerformanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSnapshot(id)
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context, participantID uuid.UUID) (*ledger.PerformanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestSnapshot(participantID)
}

func (s *MemoryStore) SnapshotAt(ctx context.Context, participantID uuid.UUID, recordedAt time.Time) (*ledger.PerformanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotAt(participantID, recordedAt)
}

func (s *MemoryStore) GetProcessedEvent(ctx context.Context, tournamentID uuid.UUID, key string) (*ledger.ProcessedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProcessedEvent(tournamentID, key)
}

func (s *MemoryStore) ListTournaments(ctx context.Context) ([]*ledger.Tournament, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ledger.Tournament, 0, len(s.tournaments))
	for _, t := range s.tournaments {
		out = append(out, cloneTournament(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListTrades(ctx context.Context, f ledger.TradeFilter) ([]*ledger.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.filterTrades(f)
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	limit, offset := ledger.NormalizePage(f.Limit, f.Offset)
	return page(matched, limit, offset), nil
}

func (s *MemoryStore) GetTradingStatistics(ctx context.Context, f ledger.StatsFilter) (*ledger.TradingStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := ledger.NewTradingStatistics()
	for _, t := range s.filterTrades(f.TradeFilter()) {
		stats.Add(t)
	}
	stats.Finalize()
	return stats, nil
}

func (s *MemoryStore) GetLeaderboard(ctx context.Context, tournamentID uuid.UUID, limit, offset int) ([]*ledger.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ranked []*ledger.Participant
	for _, p := range s.participants {
		if p.TournamentID == tournamentID && p.CurrentRank != nil {
			ranked = append(ranked, p.Clone())
		}
	}
	sort.Slice(ranked, func(i, j int) bool { return *ranked[i].CurrentRank < *ranked[j].CurrentRank })

	limit, offset = ledger.NormalizePage(limit, offset)
	return page(ranked, limit, offset), nil
}

func (s *MemoryStore) SnapshotHistory(ctx context.Context, participantID uuid.UUID, limit int) ([]*ledger.PerformanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.PerformanceSnapshot
	for _, snap := range s.snapshots {
		if snap.ParticipantID == participantID {
			out = append(out, cloneSnapshot(snap))
		}
	}
	sortSnapshotsDesc(out)

	limit, _ = ledger.NormalizePage(limit, 0)
	return page(out, limit, 0), nil
}

func (s *MemoryStore) QueryAudit(ctx context.Context, f ledger.AuditFilter) ([]*ledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if f.Matches(s.audit[i]) {
			out = append(out, cloneAudit(s.audit[i]))
		}
	}
	// entries are appended in commit order; keep newest first by timestamp
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })

	limit, offset := ledger.NormalizePage(f.Limit, f.Offset)
	return page(out, limit, offset), nil
}

// ----------------------------------------------------------------------------
// Retention
// ----------------------------------------------------------------------------

func (s *MemoryStore) SnapshotsBefore(ctx context.Context, before time.Time) ([]*ledger.PerformanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.PerformanceSnapshot
	for _, snap := range s.snapshots {
		if snap.RecordedAt.Before(before) {
			out = append(out, cloneSnapshot(snap))
		}
	}
	sortSnapshotsDesc(out)
	return out, nil
}

func (s *MemoryStore) PurgeSnapshots(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, snap := range s.snapshots {
		if snap.RecordedAt.Before(before) {
			delete(s.snapshots, id)
			delete(s.snapshotSlot, snapshotSlot{snap.ParticipantID, snap.RecordedAt.UnixNano()})
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AuditBefore(ctx context.Context, before time.Time) ([]*ledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.AuditEntry
	for _, e := range s.audit {
		if e.Timestamp.Before(before) {
			out = append(out, cloneAudit(e))
		}
	}
	return out, nil
}

func (s *MemoryStore) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.audit[:0]
	var n int64
	for _, e := range s.audit {
		if e.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return n, nil
}

// ----------------------------------------------------------------------------
// Unlocked helpers shared by the store and its transactions
// ----------------------------------------------------------------------------

func (s *MemoryStore) getTournament(id uuid.UUID) (*ledger.Tournament, error) {
	t, ok := s.tournaments[id]
	if !ok {
		return nil, fmt.Errorf("%w: tournament %s", ledger.ErrNotFound, id)
	}
	return cloneTournament(t), nil
}

func (s *MemoryStore) getParticipant(id uuid.UUID) (*ledger.Participant, error) {
	p, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("%w: participant %s", ledger.ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) listParticipants(tournamentID uuid.UUID) []*ledger.Participant {
	var out []*ledger.Participant
	for _, p := range s.participants {
		if p.TournamentID == tournamentID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (s *MemoryStore) getTrade(id uuid.UUID) (*ledger.Trade, error) {
	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("%w: trade %s", ledger.ErrNotFound, id)
	}
	return cloneTrade(t), nil
}

func (s *MemoryStore) getTradeByExternalID(tournamentID uuid.UUID, externalID string) (*ledger.Trade, error) {
	id, ok := s.tradeByExt[scopedKey{tournamentID, externalID}]
	if !ok {
		return nil, fmt.Errorf("%w: trade %q", ledger.ErrNotFound, externalID)
	}
	return s.getTrade(id)
}

func (s *MemoryStore) getSnapshot(id uuid.UUID) (*ledger.PerformanceSnapshot, error) {
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("%w: snapshot %s", ledger.ErrNotFound, id)
	}
	return cloneSnapshot(snap), nil
}

func (s *MemoryStore) snapshotAt(participantID uuid.UUID, recordedAt time.Time) (*ledger.PerformanceSnapshot, error) {
	id, ok := s.snapshotSlot[snapshotSlot{participantID, recordedAt.UnixNano()}]
	if !ok {
		return nil, fmt.Errorf("%w: snapshot at %s", ledger.ErrNotFound, recordedAt.Format(time.RFC3339Nano))
	}
	return s.getSnapshot(id)
}

func (s *MemoryStore) latestSnapshot(participantID uuid.UUID) (*ledger.PerformanceSnapshot, error) {
	var latest *ledger.PerformanceSnapshot
	for _, snap := range s.snapshots {
		if snap.ParticipantID != participantID {
			continue
		}
		if latest == nil || snap.RecordedAt.After(latest.RecordedAt) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no snapshot for participant %s", ledger.ErrNotFound, participantID)
	}
	return cloneSnapshot(latest), nil
}

func (s *MemoryStore) getProcessedEvent(tournamentID uuid.UUID, key string) (*ledger.ProcessedEvent, error) {
	ev, ok := s.processed[scopedKey{tournamentID, key}]
	if !ok {
		return nil, fmt.Errorf("%w: event %q", ledger.ErrNotFound, key)
	}
	c := *ev
	return &c, nil
}

func (s *MemoryStore) filterTrades(f ledger.TradeFilter) []*ledger.Trade {
	var out []*ledger.Trade
	for _, t := range s.trades {
		if f.Matches(t) {
			out = append(out, cloneTrade(t))
		}
	}
	return out
}

// ----------------------------------------------------------------------------
// Transaction
// ----------------------------------------------------------------------------

type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) GetTournament(ctx context.Context, id uuid.UUID) (*ledger.Tournament, error) {
	return tx.s.getTournament(id)
}

func (tx *memTx) GetParticipant(ctx context.Context, id uuid.UUID) (*ledger.Participant, error) {
	return tx.s.getParticipant(id)
}

func (tx *memTx) ListParticipants(ctx context.Context, tournamentID uuid.UUID) ([]*ledger.Participant, error) {
	return tx.s.listParticipants(tournamentID), nil
}

func (tx *memTx) GetTrade(ctx context.Context, id uuid.UUID) (*ledger.Trade, error) {
	return tx.s.getTrade(id)
}

func (tx *memTx) GetTradeByExternalID(ctx context.Context, tournamentID uuid.UUID, externalID string) (*ledger.Trade, error) {
	return tx.s.getTradeByExternalID(tournamentID, externalID)
}

func (tx *memTx) GetSnapshot(ctx context.Context, id uuid.UUID) (*ledger.PerformanceSnapshot, error) {
	return tx.s.getSnapshot(id)
}

func (tx *memTx) LatestSnapshot(ctx context.Context, participantID uuid.UUID) (*ledger.PerformanceSnapshot, error) {
	return tx.s.latestSnapshot(participantID)
}

func (tx *memTx) SnapshotAt(ctx context.Context, participantID uuid.UUID, recordedAt time.Time) (*ledger.PerformanceSnapshot, error) {
	return tx.s.snapshotAt(participantID, recordedAt)
}

func (tx *memTx) GetProcessedEvent(ctx context.Context, tournamentID uuid.UUID, key string) (*ledger.ProcessedEvent, error) {
	return tx.s.getProcessedEvent(tournamentID, key)
}

func (tx *memTx) ClaimEvent(ctx context.Context, ev ledger.ProcessedEvent) error {
	k := scopedKey{ev.TournamentID, ev.IdempotencyKey}
	if _, ok := tx.s.processed[k]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateEvent, ev.IdempotencyKey)
	}
	tx.s.processed[k] = &ev
	tx.undo = append(tx.undo, func() { delete(tx.s.processed, k) })
	return nil
}

func (tx *memTx) InsertTournament(ctx context.Context, t *ledger.Tournament) error {
	if _, ok := tx.s.tournaments[t.ID]; ok {
		return fmt.Errorf("%w: tournament %s exists", ledger.ErrValidation, t.ID)
	}
	tx.s.tournaments[t.ID] = cloneTournament(t)
	id := t.ID
	tx.undo = append(tx.undo, func() { delete(tx.s.tournaments, id) })
	return nil
}

func (tx *memTx) UpdateTournamentStatus(ctx context.Context, id uuid.UUID, from, to ledger.TournamentStatus, at time.Time) error {
	t, ok := tx.s.tournaments[id]
	if !ok {
		return fmt.Errorf("%w: tournament %s", ledger.ErrNotFound, id)
	}
	if t.Status != from {
		return fmt.Errorf("%w: tournament %s is %s, not %s", ledger.ErrInvalidTransition, id, t.Status, from)
	}
	prev := cloneTournament(t)
	t.Status = to
	t.UpdatedAt = at
	tx.undo = append(tx.undo, func() { tx.s.tournaments[id] = prev })
	return nil
}

func (tx *memTx) BumpRankingVersion(ctx context.Context, id uuid.UUID) (int64, error) {
	t, ok := tx.s.tournaments[id]
	if !ok {
		return 0, fmt.Errorf("%w: tournament %s", ledger.ErrNotFound, id)
	}
	prev := t.RankingVersion
	t.RankingVersion++
	tx.undo = append(tx.undo, func() { t.RankingVersion = prev })
	return t.RankingVersion, nil
}

func (tx *memTx) InsertParticipant(ctx context.Context, p *ledger.Participant) error {
	if _, ok := tx.s.participants[p.ID]; ok {
		return fmt.Errorf("%w: participant %s exists", ledger.ErrValidation, p.ID)
	}
	for _, existing := range tx.s.participants {
		if existing.TournamentID == p.TournamentID && existing.UserID == p.UserID {
			return fmt.Errorf("%w: user %s already registered", ledger.ErrDuplicateEvent, p.UserID)
		}
	}
	tx.s.participants[p.ID] = p.Clone()
	id := p.ID
	tx.undo = append(tx.undo, func() { delete(tx.s.participants, id) })
	return nil
}

func (tx *memTx) UpdateParticipant(ctx context.Context, p *ledger.Participant, expectedVersion int64) error {
	stored, ok := tx.s.participants[p.ID]
	if !ok {
		return fmt.Errorf("%w: participant %s", ledger.ErrNotFound, p.ID)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: participant %s at version %d, expected %d",
			ledger.ErrVersionConflict, p.ID, stored.Version, expectedVersion)
	}

	next := p.Clone()
	next.CurrentRank = stored.CurrentRank
	next.BestRank = stored.BestRank
	next.Version = expectedVersion + 1
	tx.s.participants[p.ID] = next
	p.Version = next.Version

	id := p.ID
	tx.undo = append(tx.undo, func() { tx.s.participants[id] = stored })
	return nil
}

func (tx *memTx) ApplyRanking(ctx context.Context, tournamentID uuid.UUID, ranks []ledger.RankAssignment) error {
	byID := make(map[uuid.UUID]int, len(ranks))
	for _, r := range ranks {
		byID[r.ParticipantID] = r.Rank
	}

	for id, p := range tx.s.participants {
		if p.TournamentID != tournamentID {
			continue
		}
		prev := p
		next := p.Clone()

		rank, ranked := byID[id]
		if ranked {
			r := rank
			next.CurrentRank = &r
			if next.BestRank == nil || rank < *next.BestRank {
				b := rank
				next.BestRank = &b
			}
		} else {
			next.CurrentRank = nil
		}

		tx.s.participants[id] = next
		pid := id
		tx.undo = append(tx.undo, func() { tx.s.participants[pid] = prev })
	}
	return nil
}

func (tx *memTx) InsertTrade(ctx context.Context, t *ledger.Trade) error {
	k := scopedKey{t.TournamentID, t.ExternalTradeID}
	if _, ok := tx.s.tradeByExt[k]; ok {
		return fmt.Errorf("%w: trade %q", ledger.ErrDuplicateEvent, t.ExternalTradeID)
	}
	tx.s.trades[t.ID] = cloneTrade(t)
	tx.s.tradeByExt[k] = t.ID
	id := t.ID
	tx.undo = append(tx.undo, func() {
		delete(tx.s.trades, id)
		delete(tx.s.tradeByExt, k)
	})
	return nil
}

func (tx *memTx) UpdateTrade(ctx context.Context, t *ledger.Trade) error {
	prev, ok := tx.s.trades[t.ID]
	if !ok {
		return fmt.Errorf("%w: trade %s", ledger.ErrNotFound, t.ID)
	}
	tx.s.trades[t.ID] = cloneTrade(t)
	id := t.ID
	tx.undo = append(tx.undo, func() { tx.s.trades[id] = prev })
	return nil
}

func (tx *memTx) InsertSnapshot(ctx context.Context, snap *ledger.PerformanceSnapshot) error {
	slot := snapshotSlot{snap.ParticipantID, snap.RecordedAt.UnixNano()}
	if _, ok := tx.s.snapshotSlot[slot]; ok {
		return fmt.Errorf("%w: snapshot at %s", ledger.ErrDuplicateEvent, snap.RecordedAt.Format(time.RFC3339Nano))
	}
	tx.s.snapshots[snap.ID] = cloneSnapshot(snap)
	tx.s.snapshotSlot[slot] = snap.ID
	id := snap.ID
	tx.undo = append(tx.undo, func() {
		delete(tx.s.snapshots, id)
		delete(tx.s.snapshotSlot, slot)
	})
	return nil
}

func (tx *memTx) AppendAudit(ctx context.Context, e *ledger.AuditEntry) error {
	tx.s.audit = append(tx.s.audit, cloneAudit(e))
	n := len(tx.s.audit) - 1
	tx.undo = append(tx.undo, func() { tx.s.audit = tx.s.audit[:n] })
	return nil
}

// ----------------------------------------------------------------------------
// Copy helpers
// ----------------------------------------------------------------------------

func cloneTournament(t *ledger.Tournament) *ledger.Tournament {
	c := *t
	c.Symbols = append([]string(nil), t.Symbols...)
	return &c
}

func cloneTrade(t *ledger.Trade) *ledger.Trade {
	c := *t
	if t.RealizedPnL != nil {
		v := *t.RealizedPnL
		c.RealizedPnL = &v
	}
	if t.ExecutedAt != nil {
		v := *t.ExecutedAt
		c.ExecutedAt = &v
	}
	if t.SettledAt != nil {
		v := *t.SettledAt
		c.SettledAt = &v
	}
	return &c
}

func cloneSnapshot(s *ledger.PerformanceSnapshot) *ledger.PerformanceSnapshot {
	c := *s
	c.Positions = append([]ledger.Position(nil), s.Positions...)
	return &c
}

func cloneAudit(e *ledger.AuditEntry) *ledger.AuditEntry {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func sortSnapshotsDesc(s []*ledger.PerformanceSnapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].RecordedAt.After(s[j].RecordedAt) })
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
