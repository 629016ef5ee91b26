// Package notify surfaces final sync outcomes to operators. Transient
// retries are never surfaced; only recoveries and permanent failures.
package notify

import (
	"fmt"

	"sogara/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Notifier presents user-visible sync feedback.
type Notifier interface {
	SyncSucceeded(entry models.QueueEntry)
	SyncFailed(entry models.QueueEntry, lastError string)
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) SyncSucceeded(models.QueueEntry)      {}
func (Nop) SyncFailed(models.QueueEntry, string) {}

// Telegram posts outcome messages to a configured operator chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

func NewTelegram(token string, chatID int64, logger *zerolog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &Telegram{
		bot:    bot,
		chatID: chatID,
		logger: logger.With().Str("component", "notify").Logger(),
	}, nil
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error().Err(err).Msg("failed to send notification")
	}
}

func (t *Telegram) SyncSucceeded(entry models.QueueEntry) {
	t.send(fmt.Sprintf("✅ Synchronized after %d retries: %s (%s)",
		entry.Attempts, entry.Action, entry.ID))
}

func (t *Telegram) SyncFailed(entry models.QueueEntry, lastError string) {
	t.send(fmt.Sprintf("❌ Sync abandoned after %d attempts: %s (%s)\nLast error: %s\nThe operation must be re-entered.",
		entry.Attempts, entry.Action, entry.ID, lastError))
}
