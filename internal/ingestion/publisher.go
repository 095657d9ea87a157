package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/ranking"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	leaderboardStream        = "ARENA_LEADERBOARD"
	leaderboardSubjectPrefix = "arena.leaderboard."
)

// StreamPublisher is the subset of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// LeaderboardPublisher pushes committed rankings to arena.leaderboard.{tournament_id}.
// Publish only enqueues; Run performs the network writes.
type LeaderboardPublisher struct {
	js      StreamPublisher
	updates chan ranking.Update
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewLeaderboardPublisher(js StreamPublisher, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *LeaderboardPublisher {
	if buffer < 1 {
		buffer = 1
	}
	return &LeaderboardPublisher{
		js:      js,
		updates: make(chan ranking.Update, buffer),
		metrics: metrics,
		logger:  logger,
	}
}

// Publish implements ranking.Publisher. A full buffer drops the update; the next
// recompute supersedes it.
func (lp *LeaderboardPublisher) Publish(u ranking.Update) {
	select {
	case lp.updates <- u:
	default:
		if lp.metrics != nil {
			lp.metrics.PublishDrops.WithLabelValues("nats").Inc()
		}
		lp.logger.Warn().
			Str("tournament_id", u.TournamentID.String()).
			Int64("version", u.Version).
			Msg("leaderboard update dropped, publish buffer full")
	}
}

// Run drains the buffer until ctx is done.
func (lp *LeaderboardPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case u := <-lp.updates:
			if err := lp.publish(ctx, u); err != nil {
				// Non-fatal: subscribers can read the leaderboard over the API
				lp.logger.Warn().Err(err).
					Str("tournament_id", u.TournamentID.String()).
					Int64("version", u.Version).
					Msg("leaderboard publish failed")
			}
		}
	}
}

// LeaderboardSubject returns the subject updates for a tournament are published on.
func LeaderboardSubject(u ranking.Update) string {
	return leaderboardSubjectPrefix + u.TournamentID.String()
}

func (lp *LeaderboardPublisher) publish(ctx context.Context, u ranking.Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal leaderboard: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Dedup on the JetStream side as well: one message per ranking version.
	msgID := fmt.Sprintf("%s-%d", u.TournamentID, u.Version)
	_, err = lp.js.Publish(ctx, LeaderboardSubject(u), data, jetstream.WithMsgID(msgID))
	return err
}

// EnsureLeaderboardStream creates the outbound leaderboard stream.
func EnsureLeaderboardStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              leaderboardStream,
		Subjects:          []string{leaderboardSubjectPrefix + ">"},
		Storage:           jetstream.FileStorage,
		Retention:         jetstream.LimitsPolicy,
		MaxAge:            72 * time.Hour,
		MaxMsgsPerSubject: 100,
		Replicas:          1,
	})
	if err != nil {
		return fmt.Errorf("create leaderboard stream: %w", err)
	}
	logger.Info().Str("stream", leaderboardStream).Msg("ensured leaderboard stream")
	return nil
}
