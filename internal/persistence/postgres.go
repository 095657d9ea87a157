package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ArenaLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore implements ledger.Store on Postgres via database/sql and lib/pq.
type PostgresStore struct {
	pgReader
	db *sql.DB
}

// OpenPostgres opens and pings a connection pool.
func OpenPostgres(ctx context.Context, url string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: db}, db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a READ COMMITTED transaction. Participant writes are guarded by
// the version predicate in UpdateParticipant, idempotency by the processed_events key.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapErr("begin tx", err)
	}

	if err := fn(&pgTx{pgReader: pgReader{q: sqlTx}, tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapErr("commit", err)
	}
	return nil
}

// mapErr translates driver errors into the ledger taxonomy.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, op)
	}
	for _, sentinel := range []error{
		ledger.ErrNotFound, ledger.ErrDuplicateEvent, ledger.ErrValidation,
		ledger.ErrVersionConflict, ledger.ErrInvalidTransition, ledger.ErrPersistence,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s: %s", ledger.ErrDuplicateEvent, op, pqErr.Constraint)
		case "23502", "23503", "23514", "22003", "22P02": // not null, fk, check, range, text repr
			return fmt.Errorf("%w: %s: %s", ledger.ErrValidation, op, pqErr.Message)
		}
	}
	return fmt.Errorf("%w: %s: %v", ledger.ErrPersistence, op, err)
}

// ----------------------------------------------------------------------------
// Shared reads
// ----------------------------------------------------------------------------

type pgReader struct {
	q querier
}

const tournamentColumns = `id, name, division, starts_at, ends_at, registration_opens_at,
	registration_closes_at, symbols, starting_balance, status, ranking_version, created_at, updated_at`

const participantColumns = `id, tournament_id, user_id, display_name, registered_at, starting_balance,
	current_balance, realized_pnl, unrealized_pnl, total_pnl, total_volume, trade_count, win_count,
	loss_count, current_rank, best_rank, active, disqualified, positions, version, updated_at`

const tradeColumns = `id, tournament_id, participant_id, external_trade_id, symbol, side, quantity,
	price, notional, commission, net_value, realized_pnl, status, executed_at, settled_at,
	created_at, updated_at`

const snapshotColumns = `id, participant_id, tournament_id, recorded_at, total_pnl, realized_pnl,
	unrealized_pnl, balance, equity, trade_count, win_count, loss_count, total_volume, peak_equity,
	max_drawdown, volatility, sharpe_ratio, returns, open_positions, positions, source, created_at`

const auditColumns = `id, actor, action, entity_type, entity_id, before, after, metadata, ts`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTournament(row scanner) (*ledger.Tournament, error) {
	var t ledger.Tournament
	var symbols pq.StringArray
	if err := row.Scan(
		&t.ID, &t.Name, &t.Division, &t.StartsAt, &t.EndsAt, &t.RegistrationOpen,
		&t.RegistrationClose, &symbols, &t.StartingBalance, &t.Status, &t.RankingVersion,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Symbols = []string(symbols)
	return &t, nil
}

func scanParticipant(row scanner) (*ledger.Participant, error) {
	var p ledger.Participant
	var currentRank, bestRank sql.NullInt64
	var positions []byte
	if err := row.Scan(
		&p.ID, &p.TournamentID, &p.UserID, &p.DisplayName, &p.RegisteredAt, &p.StartingBalance,
		&p.CurrentBalance, &p.RealizedPnL, &p.UnrealizedPnL, &p.TotalPnL, &p.TotalVolume,
		&p.TradeCount, &p.WinCount, &p.LossCount, &currentRank, &bestRank, &p.Active,
		&p.Disqualified, &positions, &p.Version, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.CurrentRank = intPtr(currentRank)
	p.BestRank = intPtr(bestRank)
	p.Positions = make(map[string]ledger.Position)
	if len(positions) > 0 {
		if err := json.Unmarshal(positions, &p.Positions); err != nil {
			return nil, fmt.Errorf("decode positions: %w", err)
		}
	}
	return &p, nil
}

func scanTrade(row scanner) (*ledger.Trade, error) {
	var t ledger.Trade
	var realized decimal.NullDecimal
	var executedAt, settledAt sql.NullTime
	if err := row.Scan(
		&t.ID, &t.TournamentID, &t.ParticipantID, &t.ExternalTradeID, &t.Symbol, &t.Side,
		&t.Quantity, &t.Price, &t.Notional, &t.Commission, &t.NetValue, &realized, &t.Status,
		&executedAt, &settledAt, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if realized.Valid {
		v := realized.Decimal
		t.RealizedPnL = &v
	}
	if executedAt.Valid {
		v := executedAt.Time
		t.ExecutedAt = &v
	}
	if settledAt.Valid {
		v := settledAt.Time
		t.SettledAt = &v
	}
	return &t, nil
}

func scanSnapshot(row scanner) (*ledger.PerformanceSnapshot, error) {
	var s ledger.PerformanceSnapshot
	var returns, positions []byte
	if err := row.Scan(
		&s.ID, &s.ParticipantID, &s.TournamentID, &s.RecordedAt, &s.TotalPnL, &s.RealizedPnL,
		&s.UnrealizedPnL, &s.Balance, &s.Equity, &s.TradeCount, &s.WinCount, &s.LossCount,
		&s.TotalVolume, &s.PeakEquity, &s.MaxDrawdown, &s.Volatility, &s.SharpeRatio, &returns,
		&s.OpenPositions, &positions, &s.Source, &s.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(returns) > 0 {
		if err := json.Unmarshal(returns, &s.Returns); err != nil {
			return nil, fmt.Errorf("decode returns: %w", err)
		}
	}
	if len(positions) > 0 {
		if err := json.Unmarshal(positions, &s.Positions); err != nil {
			return nil, fmt.Errorf("decode positions: %w", err)
		}
	}
	return &s, nil
}

func scanAudit(row scanner) (*ledger.AuditEntry, error) {
	var e ledger.AuditEntry
	var before, after, metadata []byte
	if err := row.Scan(
		&e.ID, &e.Actor, &e.Action, &e.EntityType, &e.EntityID, &before, &after, &metadata, &e.Timestamp,
	); err != nil {
		return nil, err
	}
	if len(before) > 0 {
		e.Before = json.RawMessage(before)
	}
	if len(after) > 0 {
		e.After = json.RawMessage(after)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &e, nil
}

func (r pgReader) GetTournament(ctx context.Context, id uuid.UUID) (*ledger.Tournament, error) {
	t, err := scanTournament(r.q.QueryRowContext(ctx,
		`SELECT `+tournamentColumns+` FROM arena.tournaments WHERE id = $1`, id))
	return t, mapErr("get tournament "+id.String(), err)
}

func (r pgReader) GetParticipant(ctx context.Context, id uuid.UUID) (*ledger.Participant, error) {
	p, err := scanParticipant(r.q.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM arena.participants WHERE id = $1`, id))
	return p, mapErr("get participant "+id.String(), err)
}

func (r pgReader) ListParticipants(ctx context.Context, tournamentID uuid.UUID) ([]*ledger.Participant, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM arena.participants
		 WHERE tournament_id = $1
		 ORDER BY registered_at, id`, tournamentID)
	if err != nil {
		return nil, mapErr("list participants", err)
	}
	defer rows.Close()

	var out []*ledger.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, mapErr("scan participant", err)
		}
		out = append(out, p)
	}
	return out, mapErr("list participants", rows.Err())
}

func (r pgReader) GetTrade(ctx context.Context, id uuid.UUID) (*ledger.Trade, error) {
	t, err := scanTrade(r.q.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM arena.trades WHERE id = $1`, id))
	return t, mapErr("get trade "+id.String(), err)
}

func (r pgReader) GetTradeByExternalID(ctx context.Context, tournamentID uuid.UUID, externalID string) (*ledger.Trade, error) {
	t, err := scanTrade(r.q.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM arena.trades
		 WHERE tournament_id = $1 AND external_trade_id = $2`, tournamentID, externalID))
	return t, mapErr("get trade "+externalID, err)
}

func (r pgReader) GetSnapshot(ctx context.Context, id uuid.UUID) (*ledger.PerformanceSnapshot, error) {
	s, err := scanSnapshot(r.q.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM arena.performance_snapshots WHERE id = $1`, id))
	return s, mapErr("get snapshot "+id.String(), err)
}

func (r pgReader) LatestSnapshot(ctx context.Context, participantID uuid.UUID) (*ledger.PerformanceSnapshot, error) {
	s, err := scanSnapshot(r.q.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM arena.performance_snapshots
		 WHERE participant_id = $1
		 ORDER BY recorded_at DESC
		 LIMIT 1`, participantID))
	return s, mapErr("latest snapshot", err)
}

func (r pgReader) SnapshotAt(ctx context.Context, participantID uuid.UUID, recordedAt time.Time) (*ledger.PerformanceSnapshot, error) {
	s, err := scanSnapshot(r.q.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM arena.performance_snapshots
		 WHERE participant_id = $1 AND recorded_at = $2`, participantID, recordedAt))
	return s, mapErr("snapshot at "+recordedAt.Format(time.RFC3339Nano), err)
}

func (r pgReader) GetProcessedEvent(ctx context.Context, tournamentID uuid.UUID, key string) (*ledger.ProcessedEvent, error) {
	var ev ledger.ProcessedEvent
	err := r.q.QueryRowContext(ctx,
		`SELECT tournament_id, idempotency_key, event_type, entity_id, applied_at
		 FROM arena.processed_events
		 WHERE tournament_id = $1 AND idempotency_key = $2`, tournamentID, key,
	).Scan(&ev.TournamentID, &ev.IdempotencyKey, &ev.EventType, &ev.EntityID, &ev.AppliedAt)
	if err != nil {
		return nil, mapErr("get processed event", err)
	}
	return &ev, nil
}

// ----------------------------------------------------------------------------
// Store-only reads
// ----------------------------------------------------------------------------

func (s *PostgresStore) ListTournaments(ctx context.Context) ([]*ledger.Tournament, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tournamentColumns+` FROM arena.tournaments ORDER BY created_at`)
	if err != nil {
		return nil, mapErr("list tournaments", err)
	}
	defer rows.Close()

	var out []*ledger.Tournament
	for rows.Next() {
		t, err := scanTournament(rows)
		if err != nil {
			return nil, mapErr("scan tournament", err)
		}
		out = append(out, t)
	}
	return out, mapErr("list tournaments", rows.Err())
}

// whereBuilder accumulates AND conditions with positional args.
type whereBuilder struct {
	conds []string
	args  []interface{}
}

func (w *whereBuilder) add(cond string, arg interface{}) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	out := " WHERE " + w.conds[0]
	for _, c := range w.conds[1:] {
		out += " AND " + c
	}
	return out
}

func (w *whereBuilder) next() int {
	return len(w.args) + 1
}

func tradeWhere(f ledger.TradeFilter) *whereBuilder {
	w := &whereBuilder{}
	if f.TournamentID != nil {
		w.add("tournament_id = $%d", *f.TournamentID)
	}
	if f.ParticipantID != nil {
		w.add("participant_id = $%d", *f.ParticipantID)
	}
	if f.Symbol != "" {
		w.add("symbol = $%d", strings.ToUpper(f.Symbol))
	}
	if f.Side != "" {
		w.add("side = $%d", string(f.Side))
	}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.From != nil {
		w.add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		w.add("created_at < $%d", *f.To)
	}
	return w
}

func (s *PostgresStore) ListTrades(ctx context.Context, f ledger.TradeFilter) ([]*ledger.Trade, error) {
	limit, offset := ledger.NormalizePage(f.Limit, f.Offset)
	w := tradeWhere(f)

	query := fmt.Sprintf(`SELECT %s FROM arena.trades%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		tradeColumns, w.sql(), w.next(), w.next()+1)
	args := append(w.args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list trades", err)
	}
	defer rows.Close()

	out := []*ledger.Trade{}
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, mapErr("scan trade", err)
		}
		out = append(out, t)
	}
	return out, mapErr("list trades", rows.Err())
}

func (s *PostgresStore) GetTradingStatistics(ctx context.Context, f ledger.StatsFilter) (*ledger.TradingStatistics, error) {
	w := tradeWhere(f.TradeFilter())
	const done = `status IN ('executed', 'settled')`

	query := `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE ` + done + `),
		COUNT(*) FILTER (WHERE status = 'pending'),
		COUNT(*) FILTER (WHERE ` + done + ` AND side = 'buy'),
		COUNT(*) FILTER (WHERE ` + done + ` AND side = 'sell'),
		COALESCE(SUM(notional) FILTER (WHERE ` + done + `), 0),
		COALESCE(SUM(commission) FILTER (WHERE ` + done + `), 0),
		COALESCE(SUM(realized_pnl) FILTER (WHERE ` + done + `), 0),
		COUNT(*) FILTER (WHERE ` + done + ` AND realized_pnl > 0),
		COUNT(*) FILTER (WHERE ` + done + ` AND realized_pnl < 0),
		MAX(realized_pnl) FILTER (WHERE ` + done + `),
		MIN(realized_pnl) FILTER (WHERE ` + done + `)
		FROM arena.trades` + w.sql()

	stats := ledger.NewTradingStatistics()
	var best, worst decimal.NullDecimal
	err := s.db.QueryRowContext(ctx, query, w.args...).Scan(
		&stats.TotalTrades, &stats.ExecutedTrades, &stats.PendingTrades, &stats.BuyTrades,
		&stats.SellTrades, &stats.TotalVolume, &stats.TotalCommission, &stats.RealizedPnL,
		&stats.WinCount, &stats.LossCount, &best, &worst,
	)
	if err != nil {
		return nil, mapErr("trading statistics", err)
	}
	if best.Valid {
		v := best.Decimal
		stats.BestTrade = &v
	}
	if worst.Valid {
		v := worst.Decimal
		stats.WorstTrade = &v
	}
	stats.Finalize()
	return stats, nil
}

func (s *PostgresStore) GetLeaderboard(ctx context.Context, tournamentID uuid.UUID, limit, offset int) ([]*ledger.Participant, error) {
	limit, offset = ledger.NormalizePage(limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM arena.participants
		 WHERE tournament_id = $1 AND current_rank IS NOT NULL
		 ORDER BY current_rank
		 LIMIT $2 OFFSET $3`, tournamentID, limit, offset)
	if err != nil {
		return nil, mapErr("leaderboard", err)
	}
	defer rows.Close()

	out := []*ledger.Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, mapErr("scan participant", err)
		}
		out = append(out, p)
	}
	return out, mapErr("leaderboard", rows.Err())
}

func (s *PostgresStore) SnapshotHistory(ctx context.Context, participantID uuid.UUID, limit int) ([]*ledger.PerformanceSnapshot, error) {
	limit, _ = ledger.NormalizePage(limit, 0)
	return s.querySnapshots(ctx,
		`SELECT `+snapshotColumns+` FROM arena.performance_snapshots
		 WHERE participant_id = $1
		 ORDER BY recorded_at DESC
		 LIMIT $2`, participantID, limit)
}

func (s *PostgresStore) QueryAudit(ctx context.Context, f ledger.AuditFilter) ([]*ledger.AuditEntry, error) {
	limit, offset := ledger.NormalizePage(f.Limit, f.Offset)

	w := &whereBuilder{}
	if f.Actor != "" {
		w.add("actor = $%d", f.Actor)
	}
	if f.Action != "" {
		w.add("action = $%d", f.Action)
	}
	if f.EntityType != "" {
		w.add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		w.add("entity_id = $%d", f.EntityID)
	}
	if f.From != nil {
		w.add("ts >= $%d", *f.From)
	}
	if f.To != nil {
		w.add("ts < $%d", *f.To)
	}

	query := fmt.Sprintf(`SELECT %s FROM arena.audit_log%s ORDER BY ts DESC, id LIMIT $%d OFFSET $%d`,
		auditColumns, w.sql(), w.next(), w.next()+1)
	return s.queryAudit(ctx, query, append(w.args, limit, offset)...)
}

func (s *PostgresStore) SnapshotsBefore(ctx context.Context, before time.Time) ([]*ledger.PerformanceSnapshot, error) {
	return s.querySnapshots(ctx,
		`SELECT `+snapshotColumns+` FROM arena.performance_snapshots
		 WHERE recorded_at < $1
		 ORDER BY recorded_at DESC`, before)
}

func (s *PostgresStore) PurgeSnapshots(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM arena.performance_snapshots WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, mapErr("purge snapshots", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) AuditBefore(ctx context.Context, before time.Time) ([]*ledger.AuditEntry, error) {
	return s.queryAudit(ctx,
		`SELECT `+auditColumns+` FROM arena.audit_log WHERE ts < $1 ORDER BY ts`, before)
}

func (s *PostgresStore) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM arena.audit_log WHERE ts < $1`, before)
	if err != nil {
		return 0, mapErr("purge audit", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) querySnapshots(ctx context.Context, query string, args ...interface{}) ([]*ledger.PerformanceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("query snapshots", err)
	}
	defer rows.Close()

	out := []*ledger.PerformanceSnapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, mapErr("scan snapshot", err)
		}
		out = append(out, snap)
	}
	return out, mapErr("query snapshots", rows.Err())
}

func (s *PostgresStore) queryAudit(ctx context.Context, query string, args ...interface{}) ([]*ledger.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("query audit", err)
	}
	defer rows.Close()

	out := []*ledger.AuditEntry{}
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, mapErr("scan audit", err)
		}
		out = append(out, e)
	}
	return out, mapErr("query audit", rows.Err())
}

// ----------------------------------------------------------------------------
// Transaction writes
// ----------------------------------------------------------------------------

type pgTx struct {
	pgReader
	tx *sql.Tx
}

// ClaimEvent inserts the idempotency key. A concurrent claim of the same key blocks on
// the primary key until the first transaction ends, then inserts nothing.
func (t *pgTx) ClaimEvent(ctx context.Context, ev ledger.ProcessedEvent) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO arena.processed_events (tournament_id, idempotency_key, event_type, entity_id, applied_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tournament_id, idempotency_key) DO NOTHING`,
		ev.TournamentID, ev.IdempotencyKey, ev.EventType, ev.EntityID, ev.AppliedAt)
	if err != nil {
		return mapErr("claim event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr("claim event", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateEvent, ev.IdempotencyKey)
	}
	return nil
}

func (t *pgTx) InsertTournament(ctx context.Context, tour *ledger.Tournament) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO arena.tournaments (`+tournamentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tour.ID, tour.Name, string(tour.Division), tour.StartsAt, tour.EndsAt, tour.RegistrationOpen,
		tour.RegistrationClose, pq.Array(tour.Symbols), tour.StartingBalance, string(tour.Status),
		tour.RankingVersion, tour.CreatedAt, tour.UpdatedAt)
	return mapErr("insert tournament", err)
}

func (t *pgTx) UpdateTournamentStatus(ctx context.Context, id uuid.UUID, from, to ledger.TournamentStatus, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE arena.tournaments SET status = $3, updated_at = $4
		 WHERE id = $1 AND status = $2`, id, string(from), string(to), at)
	if err != nil {
		return mapErr("update tournament status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: tournament %s is not %s", ledger.ErrInvalidTransition, id, from)
	}
	return nil
}

// BumpRankingVersion also takes the tournament row lock, serializing recomputes across processes.
func (t *pgTx) BumpRankingVersion(ctx context.Context, id uuid.UUID) (int64, error) {
	var version int64
	err := t.tx.QueryRowContext(ctx,
		`UPDATE arena.tournaments SET ranking_version = ranking_version + 1
		 WHERE id = $1
		 RETURNING ranking_version`, id).Scan(&version)
	return version, mapErr("bump ranking version", err)
}

func (t *pgTx) InsertParticipant(ctx context.Context, p *ledger.Participant) error {
	positions, err := json.Marshal(p.Positions)
	if err != nil {
		return fmt.Errorf("%w: encode positions: %v", ledger.ErrValidation, err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO arena.participants (`+participantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		p.ID, p.TournamentID, p.UserID, p.DisplayName, p.RegisteredAt, p.StartingBalance,
		p.CurrentBalance, p.RealizedPnL, p.UnrealizedPnL, p.TotalPnL, p.TotalVolume, p.TradeCount,
		p.WinCount, p.LossCount, nullInt(p.CurrentRank), nullInt(p.BestRank), p.Active,
		p.Disqualified, positions, p.Version, p.UpdatedAt)
	if errors.Is(mapErr("", err), ledger.ErrDuplicateEvent) {
		return fmt.Errorf("%w: user %s already registered", ledger.ErrValidation, p.UserID)
	}
	return mapErr("insert participant", err)
}

// UpdateParticipant is a compare-and-swap on version. Rank columns belong to the
// ranking engine and are not written here.
func (t *pgTx) UpdateParticipant(ctx context.Context, p *ledger.Participant, expectedVersion int64) error {
	positions, err := json.Marshal(p.Positions)
	if err != nil {
		return fmt.Errorf("%w: encode positions: %v", ledger.ErrValidation, err)
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE arena.participants SET
			current_balance = $3, realized_pnl = $4, unrealized_pnl = $5, total_pnl = $6,
			total_volume = $7, trade_count = $8, win_count = $9, loss_count = $10,
			active = $11, disqualified = $12, positions = $13, updated_at = $14,
			version = version + 1
		 WHERE id = $1 AND version = $2`,
		p.ID, expectedVersion, p.CurrentBalance, p.RealizedPnL, p.UnrealizedPnL, p.TotalPnL,
		p.TotalVolume, p.TradeCount, p.WinCount, p.LossCount, p.Active, p.Disqualified,
		positions, p.UpdatedAt)
	if err != nil {
		return mapErr("update participant", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: participant %s expected version %d", ledger.ErrVersionConflict, p.ID, expectedVersion)
	}
	p.Version = expectedVersion + 1
	return nil
}

func (t *pgTx) ApplyRanking(ctx context.Context, tournamentID uuid.UUID, ranks []ledger.RankAssignment) error {
	ids := make([]string, len(ranks))
	values := make([]int64, len(ranks))
	for i, r := range ranks {
		ids[i] = r.ParticipantID.String()
		values[i] = int64(r.Rank)
	}

	if _, err := t.tx.ExecContext(ctx,
		`UPDATE arena.participants p SET
			current_rank = u.rank,
			best_rank = CASE WHEN p.best_rank IS NULL OR u.rank < p.best_rank THEN u.rank ELSE p.best_rank END
		 FROM unnest($2::uuid[], $3::int[]) AS u(id, rank)
		 WHERE p.id = u.id AND p.tournament_id = $1`,
		tournamentID, pq.Array(ids), pq.Array(values)); err != nil {
		return mapErr("apply ranking", err)
	}

	if _, err := t.tx.ExecContext(ctx,
		`UPDATE arena.participants SET current_rank = NULL
		 WHERE tournament_id = $1 AND current_rank IS NOT NULL AND NOT (id = ANY($2::uuid[]))`,
		tournamentID, pq.Array(ids)); err != nil {
		return mapErr("clear ranks", err)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *ledger.Trade) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO arena.trades (`+tradeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		tr.ID, tr.TournamentID, tr.ParticipantID, tr.ExternalTradeID, tr.Symbol, string(tr.Side),
		tr.Quantity, tr.Price, tr.Notional, tr.Commission, tr.NetValue, nullDecimal(tr.RealizedPnL),
		string(tr.Status), tr.ExecutedAt, tr.SettledAt, tr.CreatedAt, tr.UpdatedAt)
	return mapErr("insert trade", err)
}

func (t *pgTx) UpdateTrade(ctx context.Context, tr *ledger.Trade) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE arena.trades SET
			status = $2, realized_pnl = $3, executed_at = $4, settled_at = $5, updated_at = $6
		 WHERE id = $1`,
		tr.ID, string(tr.Status), nullDecimal(tr.RealizedPnL), tr.ExecutedAt, tr.SettledAt, tr.UpdatedAt)
	if err != nil {
		return mapErr("update trade", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: trade %s", ledger.ErrNotFound, tr.ID)
	}
	return nil
}

func (t *pgTx) InsertSnapshot(ctx context.Context, s *ledger.PerformanceSnapshot) error {
	returns, err := json.Marshal(s.Returns)
	if err != nil {
		return fmt.Errorf("%w: encode returns: %v", ledger.ErrValidation, err)
	}
	positions, err := json.Marshal(s.Positions)
	if err != nil {
		return fmt.Errorf("%w: encode positions: %v", ledger.ErrValidation, err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO arena.performance_snapshots (`+snapshotColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		s.ID, s.ParticipantID, s.TournamentID, s.RecordedAt, s.TotalPnL, s.RealizedPnL,
		s.UnrealizedPnL, s.Balance, s.Equity, s.TradeCount, s.WinCount, s.LossCount,
		s.TotalVolume, s.PeakEquity, s.MaxDrawdown, s.Volatility, s.SharpeRatio, returns,
		s.OpenPositions, positions, string(s.Source), s.CreatedAt)
	return mapErr("insert snapshot", err)
}

func (t *pgTx) AppendAudit(ctx context.Context, e *ledger.AuditEntry) error {
	var metadata interface{}
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("%w: encode metadata: %v", ledger.ErrValidation, err)
		}
		metadata = b
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO arena.audit_log (`+auditColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Actor, e.Action, e.EntityType, e.EntityID,
		nullJSON(e.Before), nullJSON(e.After), metadata, e.Timestamp)
	return mapErr("append audit", err)
}

// ----------------------------------------------------------------------------
// Null helpers
// ----------------------------------------------------------------------------

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullDecimal(v *decimal.Decimal) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullJSON(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
