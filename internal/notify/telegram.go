// Package notify pushes operator alerts to Telegram chats.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"bcsync/internal/config"
	"bcsync/internal/logging"
	"bcsync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const maxMessageRunes = 3500

// Sender is the part of the bot API the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends alerts to every configured chat. Repeats of the same alert
// key are suppressed for the throttle window. A nil Notifier is a no-op.
type Notifier struct {
	sender   Sender
	chatIDs  []int64
	throttle time.Duration
	env      string
	logger   *zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewTelegram connects to the bot API. It returns nil when no token is
// configured.
func NewTelegram(cfg config.NotifyConfig, app config.AppConfig, logger *zerolog.Logger) (*Notifier, error) {
	if cfg.TelegramToken == "" {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	n := New(bot, cfg.ChatIDs, config.Duration(cfg.Throttle, 15*time.Minute), logger)
	n.env = app.Environment
	n.logger.Info().Str("bot", bot.Self.UserName).Int("chats", len(cfg.ChatIDs)).Msg("Telegram alerts enabled")
	return n, nil
}

func New(sender Sender, chatIDs []int64, throttle time.Duration, logger *zerolog.Logger) *Notifier {
	return &Notifier{
		sender:   sender,
		chatIDs:  chatIDs,
		throttle: throttle,
		logger:   logging.Component(logger, "notify"),
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// JobDeadLettered reports a webhook job that ran out of attempts.
func (n *Notifier) JobDeadLettered(_ context.Context, job models.WebhookJob, cause error) {
	text := fmt.Sprintf("Webhook job dead-lettered after %d attempts\nsource: %s\nentity: %s %s\nchange: %s",
		job.Attempts, job.Source, job.EntitySet, job.SystemID, job.ChangeType)
	if cause != nil {
		text += "\nerror: " + cause.Error()
	}
	n.alert("dead:"+job.Source+":"+job.EntitySet, text)
}

// TaskFailed reports a periodic task that returned an error.
func (n *Notifier) TaskFailed(task string, cause error) {
	n.alert("task:"+task, fmt.Sprintf("Periodic task %s failed\nerror: %v", task, cause))
}

// RunFinished reports a pass that completed with record errors.
func (n *Notifier) RunFinished(kind string, sum models.SyncSummary) {
	if sum.Errors == 0 {
		return
	}
	n.alert("run:"+kind, fmt.Sprintf("Sync %s finished with %d errors\nprojects: %d, tasks: %d, created: %d, updated: %d",
		kind, sum.Errors, sum.Projects, sum.Tasks, sum.Created, sum.Updated))
}

func (n *Notifier) alert(key, text string) {
	if n == nil || n.sender == nil || len(n.chatIDs) == 0 {
		return
	}
	if !n.due(key) {
		n.logger.Debug().Str("alert", key).Msg("Alert throttled")
		return
	}
	if n.env != "" {
		text = "[" + n.env + "] " + text
	}
	text = truncate(text, maxMessageRunes)

	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := n.sender.Send(msg); err != nil {
			n.logger.Warn().Err(err).Int64("chat_id", chatID).Str("alert", key).Msg("Failed to send alert")
		}
	}
}

func (n *Notifier) due(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.last[key]; ok && n.throttle > 0 && now.Sub(last) < n.throttle {
		return false
	}
	n.last[key] = now
	return true
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return strings.TrimSpace(string(r[:limit])) + "…"
}
