package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// RawEvent is a message taken off JetStream, not yet parsed.
type RawEvent struct {
	Subject   string
	Kind      Kind
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed, duplicate or permanently rejected
	NakFunc   func() // transient failure; JetStream redelivers
}

// SubjectConfig maps a JetStream subject to a message kind.
type SubjectConfig struct {
	Subject      string
	Kind         Kind
	ConsumerName string
	StreamName   string
}

const (
	streamEvents       = "ARENA_EVENTS"
	streamTournaments  = "ARENA_TOURNAMENTS"
	streamParticipants = "ARENA_PARTICIPANTS"
)

// DefaultSubjects returns the inbound subjects. Durable consumer names are
// prefixed with consumerPrefix so several deployments can share a server.
func DefaultSubjects(consumerPrefix string) []SubjectConfig {
	if consumerPrefix == "" {
		consumerPrefix = "arena-ingest"
	}
	return []SubjectConfig{
		{Subject: "arena.events.trades.>", Kind: KindTrade, ConsumerName: consumerPrefix + "-trades", StreamName: streamEvents},
		{Subject: "arena.events.snapshots.>", Kind: KindSnapshot, ConsumerName: consumerPrefix + "-snapshots", StreamName: streamEvents},
		{Subject: "arena.events.trade_status.>", Kind: KindTradeStatus, ConsumerName: consumerPrefix + "-trade-status", StreamName: streamEvents},
		{Subject: "arena.tournaments.status.>", Kind: KindTournamentStatus, ConsumerName: consumerPrefix + "-tournament-status", StreamName: streamTournaments},
		{Subject: "arena.participants.registered.>", Kind: KindParticipantRegistered, ConsumerName: consumerPrefix + "-registrations", StreamName: streamParticipants},
		{Subject: "arena.participants.deactivated.>", Kind: KindParticipantDeactivated, ConsumerName: consumerPrefix + "-deactivations", StreamName: streamParticipants},
	}
}

// NATSSubscriber consumes the inbound subjects and hands messages to eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Kind:      cfg.Kind,
				Data:      msg.Data(),
				Timestamp: time.Now().UTC(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      streamEvents,
			Subjects:  []string{"arena.events.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      streamTournaments,
			Subjects:  []string{"arena.tournaments.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      streamParticipants,
			Subjects:  []string{"arena.participants.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("arenaledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// Processor parses and applies raw events with a fixed pool of workers.
// Ordering across workers is not preserved; per-participant ordering is the
// coordinator's concern.
type Processor struct {
	applier Applier
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewProcessor(applier Applier, metrics *observability.Metrics, logger zerolog.Logger) *Processor {
	return &Processor{applier: applier, metrics: metrics, logger: logger}
}

// Run starts workers reading from in until ctx is done or in is closed.
func (p *Processor) Run(ctx context.Context, in <-chan RawEvent, workers int) {
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-in:
					if !ok {
						return
					}
					p.Handle(ctx, raw)
				}
			}
		}()
	}
	wg.Wait()
}

// Handle processes one message and settles it: Ack on success, duplicate or
// permanent rejection; Nak on anything else so JetStream redelivers it.
func (p *Processor) Handle(ctx context.Context, raw RawEvent) {
	msg, err := Parse(raw.Kind, raw.Data, raw.Timestamp)
	if err != nil {
		if p.metrics != nil {
			p.metrics.EventsRejected.WithLabelValues(string(raw.Kind), "malformed").Inc()
		}
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed message")
		settle(raw.AckFunc)
		return
	}

	_, err = Dispatch(ctx, p.applier, msg)
	switch {
	case err == nil, errors.Is(err, ledger.ErrDuplicateEvent), ledger.IsRejection(err):
		settle(raw.AckFunc)
	default:
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("message not applied, requesting redelivery")
		settle(raw.NakFunc)
	}
}

func settle(fn func()) {
	if fn != nil {
		fn()
	}
}
