package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind names an inbound message type. Event kinds reuse event.EventType; registry
// commands add their own.
type Kind string

const (
	KindTrade                  = Kind(event.EventTypeTrade)
	KindSnapshot               = Kind(event.EventTypeSnapshot)
	KindTradeStatus            = Kind(event.EventTypeTradeStatus)
	KindTournamentStatus       = Kind(event.EventTypeTournamentStatus)
	KindParticipantRegistered  = Kind(event.EventTypeParticipantRegistered)
	KindParticipantDeactivated = Kind(event.EventTypeParticipantDeactivated)
)

// Wire is the JSON envelope every inbound message carries.
// Monetary values are decimal strings; numbers are accepted as well.
type Wire struct {
	TournamentID   string          `json:"tournament_id"`
	ParticipantID  string          `json:"participant_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ReceivedAt     *time.Time      `json:"received_at,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// Parse decodes data as a message of the given kind. The result is one of
// *event.TradeReport, *event.PerformanceReport, *event.TradeStatusUpdate,
// *event.TournamentStatusChange, *event.ParticipantRegistration or
// *event.ParticipantDeactivation. Malformed input wraps ledger.ErrValidation.
// receivedAt stamps events whose envelope carries no received_at.
func Parse(kind Kind, data []byte, receivedAt time.Time) (interface{}, error) {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, malformed("envelope: %v", err)
	}
	return ParseWire(kind, w, receivedAt)
}

// ParseWire is Parse for an already decoded envelope.
func ParseWire(kind Kind, w Wire, receivedAt time.Time) (interface{}, error) {
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return nil, malformed("payload is required")
	}

	switch kind {
	case KindTrade:
		return parseTrade(w, receivedAt)
	case KindSnapshot:
		return parseSnapshot(w, receivedAt)
	case KindTradeStatus:
		return parseTradeStatus(w, receivedAt)
	case KindTournamentStatus:
		return parseTournamentStatus(w)
	case KindParticipantRegistered:
		return parseRegistration(w)
	case KindParticipantDeactivated:
		return parseDeactivation(w)
	default:
		return nil, malformed("unknown message kind %q", kind)
	}
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ledger.ErrValidation, fmt.Sprintf(format, args...))
}

func parseUUID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, malformed("%s is required", field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, malformed("%s: %v", field, err)
	}
	return id, nil
}

func (w Wire) envelope(receivedAt time.Time) (event.Envelope, error) {
	tid, err := parseUUID("tournament_id", w.TournamentID)
	if err != nil {
		return event.Envelope{}, err
	}
	pid, err := parseUUID("participant_id", w.ParticipantID)
	if err != nil {
		return event.Envelope{}, err
	}
	env := event.Envelope{
		TournamentID:  tid,
		ParticipantID: pid,
		Key:           strings.TrimSpace(w.IdempotencyKey),
		ReceivedAt:    receivedAt.UTC(),
	}
	if w.ReceivedAt != nil {
		env.ReceivedAt = w.ReceivedAt.UTC()
	}
	return env, nil
}

func decodePayload(w Wire, v interface{}) error {
	if err := json.Unmarshal(w.Payload, v); err != nil {
		return malformed("payload: %v", err)
	}
	return nil
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type tradeJSON struct {
	ExternalTradeID string           `json:"external_trade_id"`
	Symbol          string           `json:"symbol"`
	Side            string           `json:"side"`
	Quantity        decimal.Decimal  `json:"quantity"`
	Price           decimal.Decimal  `json:"price"`
	Commission      decimal.Decimal  `json:"commission"`
	Status          string           `json:"status"`
	RealizedPnL     *decimal.Decimal `json:"realized_pnl"`
	ExecutedAt      *time.Time       `json:"executed_at"`
}

func parseTrade(w Wire, receivedAt time.Time) (*event.TradeReport, error) {
	env, err := w.envelope(receivedAt)
	if err != nil {
		return nil, err
	}
	var j tradeJSON
	if err := decodePayload(w, &j); err != nil {
		return nil, err
	}

	side, err := ledger.ParseSide(j.Side)
	if err != nil {
		return nil, malformed("side: %v", err)
	}
	var status ledger.TradeStatus
	if j.Status != "" {
		if status, err = ledger.ParseTradeStatus(j.Status); err != nil {
			return nil, malformed("status: %v", err)
		}
	}

	tr := &event.TradeReport{
		Envelope:        env,
		ExternalTradeID: strings.TrimSpace(j.ExternalTradeID),
		Symbol:          strings.ToUpper(strings.TrimSpace(j.Symbol)),
		Side:            side,
		Quantity:        j.Quantity,
		Price:           j.Price,
		Commission:      j.Commission,
		Status:          status,
		RealizedPnL:     j.RealizedPnL,
	}
	if j.ExecutedAt != nil {
		tr.ExecutedAt = j.ExecutedAt.UTC()
	}
	return tr, nil
}

type snapshotJSON struct {
	RecordedAt    *time.Time                 `json:"recorded_at"`
	RealizedPnL   *decimal.Decimal           `json:"realized_pnl"`
	UnrealizedPnL *decimal.Decimal           `json:"unrealized_pnl"`
	TotalPnL      *decimal.Decimal           `json:"total_pnl"`
	Balance       *decimal.Decimal           `json:"balance"`
	Marks         map[string]decimal.Decimal `json:"marks"`
}

func parseSnapshot(w Wire, receivedAt time.Time) (*event.PerformanceReport, error) {
	env, err := w.envelope(receivedAt)
	if err != nil {
		return nil, err
	}
	var j snapshotJSON
	if err := decodePayload(w, &j); err != nil {
		return nil, err
	}
	if j.RecordedAt == nil {
		return nil, malformed("recorded_at is required")
	}
	return &event.PerformanceReport{
		Envelope:      env,
		RecordedAt:    j.RecordedAt.UTC(),
		RealizedPnL:   j.RealizedPnL,
		UnrealizedPnL: j.UnrealizedPnL,
		TotalPnL:      j.TotalPnL,
		Balance:       j.Balance,
		Marks:         j.Marks,
	}, nil
}

type tradeStatusJSON struct {
	ExternalTradeID string     `json:"external_trade_id"`
	Status          string     `json:"status"`
	At              *time.Time `json:"at"`
}

func parseTradeStatus(w Wire, receivedAt time.Time) (*event.TradeStatusUpdate, error) {
	env, err := w.envelope(receivedAt)
	if err != nil {
		return nil, err
	}
	var j tradeStatusJSON
	if err := decodePayload(w, &j); err != nil {
		return nil, err
	}
	status, err := ledger.ParseTradeStatus(j.Status)
	if err != nil {
		return nil, malformed("status: %v", err)
	}
	upd := &event.TradeStatusUpdate{
		Envelope:        env,
		ExternalTradeID: strings.TrimSpace(j.ExternalTradeID),
		Status:          status,
	}
	if j.At != nil {
		upd.At = j.At.UTC()
	}
	return upd, nil
}

type tournamentStatusJSON struct {
	Status string     `json:"status"`
	Actor  string     `json:"actor"`
	At     *time.Time `json:"at"`
}

func parseTournamentStatus(w Wire) (*event.TournamentStatusChange, error) {
	tid, err := parseUUID("tournament_id", w.TournamentID)
	if err != nil {
		return nil, err
	}
	var j tournamentStatusJSON
	if err := decodePayload(w, &j); err != nil {
		return nil, err
	}
	cmd := &event.TournamentStatusChange{
		TournamentID: tid,
		Status:       ledger.TournamentStatus(strings.ToLower(strings.TrimSpace(j.Status))),
		Actor:        j.Actor,
	}
	if j.At != nil {
		cmd.At = j.At.UTC()
	}
	return cmd, nil
}

type registrationJSON struct {
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	At          *time.Time `json:"at"`
}

func parseRegistration(w Wire) (*event.ParticipantRegistration, error) {
	tid, err := parseUUID("tournament_id", w.TournamentID)
	if err != nil {
		return nil, err
	}
	var j registrationJSON
	if err := decodePayload(w, &j); err != nil {
		return nil, err
	}
	uid, err := parseUUID("user_id", j.UserID)
	if err != nil {
		return nil, err
	}
	cmd := &event.ParticipantRegistration{
		TournamentID: tid,
		UserID:       uid,
		DisplayName:  strings.TrimSpace(j.DisplayName),
	}
	if j.At != nil {
		cmd.At = j.At.UTC()
	}
	return cmd, nil
}

type deactivationJSON struct {
	Reason string     `json:"reason"`
	Actor  string     `json:"actor"`
	Note   string     `json:"note"`
	At     *time.Time `json:"at"`
}

func parseDeactivation(w Wire) (*event.ParticipantDeactivation, error) {
	pid, err := parseUUID("participant_id", w.ParticipantID)
	if err != nil {
		return nil, err
	}
	var j deactivationJSON
	if err := decodePayload(w, &j); err != nil {
		return nil, err
	}
	cmd := &event.ParticipantDeactivation{
		ParticipantID: pid,
		Reason:        event.DeactivationReason(strings.ToLower(strings.TrimSpace(j.Reason))),
		Actor:         j.Actor,
		Note:          j.Note,
	}
	if j.At != nil {
		cmd.At = j.At.UTC()
	}
	return cmd, nil
}
