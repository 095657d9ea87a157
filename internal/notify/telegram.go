// Package notify forwards operator alerts (rejected events) to Telegram.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Rejection describes an event the ledger refused. Rejections are caller bugs or
// hostile input and must reach an operator.
type Rejection struct {
	EventType      string
	TournamentID   string
	ParticipantID  string
	IdempotencyKey string
	Reason         string
	Detail         string
	At             time.Time
}

// Notifier receives rejections. Implementations must not block the caller.
type Notifier interface {
	NotifyRejection(ctx context.Context, r Rejection)
}

// Nop discards alerts.
type Nop struct{}

func (Nop) NotifyRejection(context.Context, Rejection) {}

// Sender is the subset of *tgbotapi.BotAPI used for delivery.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier queues alerts and delivers them from Run. A full queue drops the
// alert; the rejection is already in the audit trail.
type TelegramNotifier struct {
	bot            Sender
	chatID         int64
	queue          chan Rejection
	maxRetries     int
	retryDelayBase time.Duration
	logger         zerolog.Logger
}

// NewTelegramBot connects to the Bot API.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return bot, nil
}

func NewTelegramNotifier(bot Sender, chatID string, buffer int, logger zerolog.Logger) (*TelegramNotifier, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &TelegramNotifier{
		bot:            bot,
		chatID:         id,
		queue:          make(chan Rejection, buffer),
		maxRetries:     3,
		retryDelayBase: time.Second,
		logger:         logger,
	}, nil
}

func (n *TelegramNotifier) NotifyRejection(ctx context.Context, r Rejection) {
	select {
	case n.queue <- r:
	default:
		n.logger.Warn().Str("reason", r.Reason).Msg("alert queue full, dropping rejection alert")
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (n *TelegramNotifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-n.queue:
			if err := n.send(ctx, FormatRejection(r)); err != nil {
				n.logger.Error().Err(err).Str("reason", r.Reason).Msg("telegram alert failed")
			}
		}
	}
}

// send posts a MarkdownV2 message with linear-backoff retry.
func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < n.maxRetries; i++ {
		if _, err := n.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", n.maxRetries, lastErr)
}

// FormatRejection renders a rejection as a MarkdownV2 message.
func FormatRejection(r Rejection) string {
	var b strings.Builder
	b.WriteString("⛔ *Event rejected*\n")
	fmt.Fprintf(&b, "type: `%s`\n", escapeMarkdownV2(r.EventType))
	fmt.Fprintf(&b, "reason: *%s*\n", escapeMarkdownV2(r.Reason))
	if r.TournamentID != "" {
		fmt.Fprintf(&b, "tournament: `%s`\n", escapeMarkdownV2(r.TournamentID))
	}
	if r.ParticipantID != "" {
		fmt.Fprintf(&b, "participant: `%s`\n", escapeMarkdownV2(r.ParticipantID))
	}
	if r.IdempotencyKey != "" {
		fmt.Fprintf(&b, "key: `%s`\n", escapeMarkdownV2(r.IdempotencyKey))
	}
	if r.Detail != "" {
		fmt.Fprintf(&b, "%s\n", escapeMarkdownV2(r.Detail))
	}
	if !r.At.IsZero() {
		b.WriteString(escapeMarkdownV2(r.At.UTC().Format(time.RFC3339)))
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
