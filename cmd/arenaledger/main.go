package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ArenaLedger/internal/archive"
	"ArenaLedger/internal/audit"
	"ArenaLedger/internal/config"
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/ingestion"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/notify"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/performance"
	"ArenaLedger/internal/persistence"
	"ArenaLedger/internal/query"
	"ArenaLedger/internal/ranking"
	"ArenaLedger/internal/scheduler"
	"ArenaLedger/internal/server"
	"ArenaLedger/migrations"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// store is what the service needs beyond ledger.Store: health checks and shutdown.
type store interface {
	ledger.Store
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	configPath := flag.String("config", os.Getenv("ARENA_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerWithLevel("arenaledger", observability.ParseLogLevel(cfg.Logging.Level))
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("arenaledger stopped")
	}
	logger.Info().Msg("arenaledger shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	retry := persistence.RetryPolicy{
		Attempts:       cfg.Ingestion.PersistRetries,
		AttemptTimeout: cfg.Ingestion.PersistTimeout,
		Backoff:        cfg.Ingestion.RetryBackoff,
		MaxBackoff:     2 * time.Second,
		OnRetry:        func(int, error) { metrics.PersistRetry.Inc() },
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	health.AddCheck("store", st.Ping)

	// Optional retention archive.
	var auditOpts []audit.Option
	var recorderOpts []performance.Option
	if cfg.Archive.Bucket != "" {
		client, err := archive.NewS3Client(ctx, archive.Options{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Endpoint:        cfg.Archive.Endpoint,
			Region:          cfg.Archive.Region,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			return err
		}
		archiver := archive.NewS3Archiver(client, cfg.Archive.Bucket, cfg.Archive.Prefix, logger.With().Str("component", "archive").Logger())
		auditOpts = append(auditOpts, audit.WithArchiver(archiver))
		recorderOpts = append(recorderOpts, performance.WithArchiver(archiver))
		logger.Info().Str("bucket", cfg.Archive.Bucket).Msg("retention archive enabled")
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 16)
	goRun := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	var coordOpts []core.Option
	if cfg.Telegram.Enabled {
		bot, err := notify.NewTelegramBot(cfg.Telegram.BotToken)
		if err != nil {
			return err
		}
		notifier, err := notify.NewTelegramNotifier(bot, cfg.Telegram.ChatID, 64, logger.With().Str("component", "telegram").Logger())
		if err != nil {
			return err
		}
		coordOpts = append(coordOpts, core.WithNotifier(notifier))
		goRun("telegram", notifier.Run)
	}

	hub := server.NewHub(metrics, logger.With().Str("component", "websocket").Logger())
	rankingOpts := []ranking.Option{
		ranking.WithPublisher(hub),
		ranking.WithMetrics(metrics),
		ranking.WithRetryPolicy(retry),
	}

	var nc *nats.Conn
	var subscriber *ingestion.NATSSubscriber
	rawEvents := make(chan ingestion.RawEvent, 4096)
	if cfg.NATS.URL != "" {
		conn, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		nc = conn
		defer nc.Close()
		health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return err
		}
		if err := ingestion.EnsureLeaderboardStream(ctx, js, logger); err != nil {
			return err
		}
		pub := ingestion.NewLeaderboardPublisher(js, cfg.Ranking.PublishBuffer, metrics, logger.With().Str("component", "leaderboard-publisher").Logger())
		rankingOpts = append(rankingOpts, ranking.WithPublisher(pub))
		goRun("leaderboard publisher", pub.Run)

		subscriber = ingestion.NewNATSSubscriber(js, rawEvents, logger)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects(cfg.NATS.ConsumerName)); err != nil {
			return err
		}
	}

	engine := ranking.NewEngine(st, logger.With().Str("component", "ranking").Logger(), rankingOpts...)
	coordinator := core.NewCoordinator(st, engine, core.Config{
		MaxVersionRetry:  cfg.Ingestion.MaxVersionRetry,
		DedupCacheSize:   cfg.Ingestion.DedupCacheSize,
		ParticipantLocks: cfg.Ingestion.ParticipantLocks,
		Retry:            retry,
	}, logger.With().Str("component", "coordinator").Logger(), append(coordOpts, core.WithMetrics(metrics))...)

	recorder := performance.NewRecorder(st, logger.With().Str("component", "performance").Logger(),
		append(recorderOpts, performance.WithMetrics(metrics), performance.WithRetryPolicy(retry))...)
	auditSvc := audit.NewService(st, logger.With().Str("component", "audit").Logger(),
		append(auditOpts, audit.WithMetrics(metrics), audit.WithRetryPolicy(retry))...)

	api := &server.API{
		Coordinator: coordinator,
		Ranking:     engine,
		Performance: recorder,
		Audit:       auditSvc,
		Query:       query.NewQueryService(st),
	}

	if subscriber != nil {
		processor := ingestion.NewProcessor(coordinator, metrics, logger.With().Str("component", "processor").Logger())
		goRun("processor", func(ctx context.Context) error {
			processor.Run(ctx, rawEvents, cfg.NATS.Workers)
			return nil
		})
	}

	httpServer := server.NewHTTPServer(cfg.Server.HTTPAddr, api, server.HTTPDeps{
		Hub:      hub,
		Health:   health,
		Metrics:  metrics,
		Gatherer: reg,
		Logger:   logger.With().Str("component", "http").Logger(),
	})
	goRun("http server", httpServer.Start)

	if cfg.Server.GRPCAddr != "" {
		grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, api, logger.With().Str("component", "grpc").Logger())
		goRun("grpc server", grpcServer.Start)
	}

	maintenance := scheduler.New(st, recorder, auditSvc, scheduler.Config{
		RetentionSchedule: cfg.Retention.Schedule,
		PerformanceDays:   cfg.Retention.PerformanceDays,
		AuditDays:         cfg.Retention.AuditDays,
		CaptureInterval:   cfg.Performance.CaptureInterval,
	}, logger)
	goRun("scheduler", maintenance.Start)

	health.SetReady(true)
	logger.Info().
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Bool("nats", cfg.NATS.URL != "").
		Msg("arenaledger ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	health.SetReady(false)
	cancel()
	if subscriber != nil {
		subscriber.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn().Dur("timeout", cfg.Server.ShutdownTimeout).Msg("shutdown timed out")
	}
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store, error) {
	if cfg.Postgres.URL == "" {
		logger.Warn().Msg("postgres.url not set, using in-memory store")
		return persistence.NewMemoryStore(), nil
	}

	db, err := persistence.OpenPostgres(ctx, cfg.Postgres.URL, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("postgres connected")

	if cfg.Postgres.AutoMigrate {
		var files fs.FS = migrations.FS
		if cfg.Postgres.MigrationsDir != "" {
			files = os.DirFS(cfg.Postgres.MigrationsDir)
		}
		n, err := persistence.NewMigrator(db, files, logger.With().Str("component", "migrator").Logger()).Up(ctx)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}
	return persistence.NewPostgresStore(db), nil
}
