package scheduler

import (
	"context"
	"fmt"
	"time"

	"ArenaLedger/internal/ledger"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TournamentLister lists every tournament regardless of status.
type TournamentLister interface {
	ListTournaments(ctx context.Context) ([]*ledger.Tournament, error)
}

// SnapshotJobs is the slice of the performance recorder the maintenance jobs drive.
type SnapshotJobs interface {
	CaptureTournament(ctx context.Context, tournamentID uuid.UUID) (int, error)
	CleanupOldPerformanceData(ctx context.Context, daysToKeep int) (int64, error)
}

// AuditPurger deletes audit entries older than a cutoff.
type AuditPurger interface {
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

type Config struct {
	// Cron expression for the retention jobs (minute resolution).
	RetentionSchedule string
	PerformanceDays   int
	AuditDays         int
	// Zero disables periodic capture.
	CaptureInterval time.Duration
}

// Maintenance runs the background jobs: retention purges on a cron schedule and
// periodic performance capture for active tournaments.
type Maintenance struct {
	store  TournamentLister
	snaps  SnapshotJobs
	audit  AuditPurger
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	sched gocron.Scheduler
}

type Option func(*Maintenance)

func WithClock(now func() time.Time) Option { return func(m *Maintenance) { m.now = now } }

func New(store TournamentLister, snaps SnapshotJobs, audit AuditPurger, cfg Config, logger zerolog.Logger, opts ...Option) *Maintenance {
	m := &Maintenance{
		store:  store,
		snaps:  snaps,
		audit:  audit,
		cfg:    cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start registers the jobs and blocks until ctx is done, then waits for running jobs.
func (m *Maintenance) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.CronJob(m.cfg.RetentionSchedule, false),
		gocron.NewTask(func() { m.RunRetention(ctx) }),
		gocron.WithName("retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule retention %q: %w", m.cfg.RetentionSchedule, err)
	}

	if m.cfg.CaptureInterval > 0 {
		_, err = sched.NewJob(
			gocron.DurationJob(m.cfg.CaptureInterval),
			gocron.NewTask(func() { m.CaptureActive(ctx) }),
			gocron.WithName("performance-capture"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("schedule capture: %w", err)
		}
	}

	m.sched = sched
	sched.Start()
	m.logger.Info().
		Str("retention_schedule", m.cfg.RetentionSchedule).
		Dur("capture_interval", m.cfg.CaptureInterval).
		Msg("maintenance scheduler started")

	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		m.logger.Warn().Err(err).Msg("scheduler shutdown")
	}
	m.logger.Info().Msg("maintenance scheduler stopped")
	return nil
}

// RunRetention purges expired performance snapshots and audit entries.
// Errors are logged; the next run retries.
func (m *Maintenance) RunRetention(ctx context.Context) {
	if n, err := m.snaps.CleanupOldPerformanceData(ctx, m.cfg.PerformanceDays); err != nil {
		m.logger.Error().Err(err).Msg("performance retention failed")
	} else {
		m.logger.Debug().Int64("removed", n).Msg("performance retention")
	}

	days := m.cfg.AuditDays
	if days <= 0 {
		days = 365
	}
	cutoff := m.now().AddDate(0, 0, -days)
	if _, err := m.audit.Purge(ctx, cutoff); err != nil {
		m.logger.Error().Err(err).Time("cutoff", cutoff).Msg("audit retention failed")
	}
}

// CaptureActive snapshots every active tournament and returns the number captured.
func (m *Maintenance) CaptureActive(ctx context.Context) int {
	tournaments, err := m.store.ListTournaments(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("list tournaments for capture")
		return 0
	}

	total := 0
	for _, t := range tournaments {
		if t.Status != ledger.TournamentActive {
			continue
		}
		n, err := m.snaps.CaptureTournament(ctx, t.ID)
		if err != nil {
			m.logger.Warn().Err(err).Str("tournament_id", t.ID.String()).Msg("capture failed")
			continue
		}
		total += n
	}
	return total
}
