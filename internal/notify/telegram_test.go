package notify_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"ArenaLedger/internal/notify"
	"ArenaLedger/internal/observability"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestFormatRejectionEscapes(t *testing.T) {
	text := notify.FormatRejection(notify.Rejection{
		EventType:      "trade",
		Reason:         "tournament_not_active",
		IdempotencyKey: "ext-1.a",
	})
	if !strings.Contains(text, `tournament\_not\_active`) {
		t.Errorf("reason not escaped: %s", text)
	}
	if !strings.Contains(text, `ext\-1\.a`) {
		t.Errorf("key not escaped: %s", text)
	}
}

func TestTelegramNotifierDelivers(t *testing.T) {
	sender := &fakeSender{}
	n, err := notify.NewTelegramNotifier(sender, "-100123", 4, observability.NopLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.NotifyRejection(ctx, notify.Rejection{EventType: "trade", Reason: "validation"})

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("sent: got %d, want 1", sender.count())
	}
	if sender.sent[0].ChatID != -100123 || sender.sent[0].ParseMode != "MarkdownV2" {
		t.Errorf("message: %+v", sender.sent[0])
	}
}

func TestTelegramNotifierDropsWhenFull(t *testing.T) {
	n, err := notify.NewTelegramNotifier(&fakeSender{}, "1", 1, observability.NopLogger())
	if err != nil {
		t.Fatal(err)
	}
	// no Run loop: the second alert must be dropped, not block
	done := make(chan struct{})
	go func() {
		n.NotifyRejection(context.Background(), notify.Rejection{Reason: "a"})
		n.NotifyRejection(context.Background(), notify.Rejection{Reason: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NotifyRejection blocked on a full queue")
	}
}

func TestNewTelegramNotifierRejectsBadChatID(t *testing.T) {
	if _, err := notify.NewTelegramNotifier(&fakeSender{}, "not-a-number", 1, observability.NopLogger()); err == nil {
		t.Fatal("expected chat id error")
	}
}
