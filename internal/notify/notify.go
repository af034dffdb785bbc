// Package notify reports finished ingestion runs to an operator chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/vladimiradmaev/health-importer/internal/config"
)

// Report summarizes one finished run.
type Report struct {
	RunID        string
	UserID       uint64
	Status       string
	RowsImported int64
	Duration     time.Duration
	Error        string
}

type Notifier interface {
	NotifyRun(ctx context.Context, report Report) error
}

// Nop drops every report.
type Nop struct{}

func (Nop) NotifyRun(context.Context, Report) error { return nil }

// FormatReport renders a report as a chat message.
func FormatReport(r Report) string {
	var b strings.Builder
	switch r.Status {
	case "completed":
		b.WriteString("✅ Health import completed\n")
	case "cancelled":
		b.WriteString("⏹️ Health import cancelled\n")
	default:
		b.WriteString("❌ Health import failed\n")
	}
	fmt.Fprintf(&b, "User: %d\n", r.UserID)
	fmt.Fprintf(&b, "Rows imported: %d\n", r.RowsImported)
	fmt.Fprintf(&b, "Duration: %s\n", r.Duration.Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", r.Error)
	}
	fmt.Fprintf(&b, "Run: %s", r.RunID)
	return b.String()
}

// sender is the part of tgbotapi.BotAPI the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts reports to a single chat.
type Telegram struct {
	api    sender
	chatID int64
	log    *slog.Logger
}

// NewTelegram authorizes the bot token and returns a notifier for cfg.ChatID.
func NewTelegram(cfg config.TelegramConfig, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	log.Info("Notifier authorized", "account", api.Self.UserName)
	return &Telegram{api: api, chatID: cfg.ChatID, log: log}, nil
}

func (t *Telegram) NotifyRun(ctx context.Context, report Report) error {
	msg := tgbotapi.NewMessage(t.chatID, FormatReport(report))
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		t.log.WarnContext(ctx, "Failed to send run notification", "run_id", report.RunID, "error", err)
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}
