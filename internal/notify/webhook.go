// Package notify provides alerting for the uptime daemon: Discord and
// Telegram messages fired when a miner transitions to offline or when
// a pool adapter has failed persistently.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tos-network/uptimed/internal/util"
)

// Config holds webhook configuration.
type Config struct {
	Enabled        bool   `mapstructure:"enabled"`
	DiscordWebhook string `mapstructure:"discord_webhook"`
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID string `mapstructure:"telegram_chat_id"`
}

// Retry configuration.
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier sends Discord/Telegram alerts. It implements
// reconcile.Notifier.
type Notifier struct {
	cfg    *Config
	client *http.Client
}

// New creates a Notifier from cfg.
func New(cfg *Config) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifyOffline fires when a miner's persisted status transitions to
// offline after confirmation.
func (n *Notifier) NotifyOffline(pool, workerName string, minerID int64) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordWebhook != "" {
		go n.sendDiscordMessageWithRetry(offlineDiscordMessage(pool, workerName, minerID))
	}
	if n.cfg.TelegramToken != "" && n.cfg.TelegramChatID != "" {
		go n.sendTelegramMessageWithRetry(offlineTelegramText(pool, workerName, minerID))
	}
}

// NotifyAdapterDegraded fires when a pool's adapter has crossed its
// consecutive-failure threshold.
func (n *Notifier) NotifyAdapterDegraded(pool string) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordWebhook != "" {
		go n.sendDiscordMessageWithRetry(degradedDiscordMessage(pool))
	}
	if n.cfg.TelegramToken != "" && n.cfg.TelegramChatID != "" {
		go n.sendTelegramMessageWithRetry(degradedTelegramText(pool))
	}
}

// DiscordEmbed represents a Discord embed object.
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed.
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed.
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message.
type DiscordMessage struct {
	Embeds []DiscordEmbed `json:"embeds,omitempty"`
}

func offlineDiscordMessage(pool, workerName string, minerID int64) DiscordMessage {
	return DiscordMessage{Embeds: []DiscordEmbed{{
		Title:       "Worker went offline",
		Description: fmt.Sprintf("Worker `%s` on **%s** was confirmed offline.", workerName, pool),
		Color:       0xE74C3C,
		Fields: []DiscordField{
			{Name: "Miner ID", Value: fmt.Sprintf("%d", minerID), Inline: true},
			{Name: "Pool", Value: pool, Inline: true},
		},
		Footer: &DiscordFooter{Text: "uptimed"},
	}}}
}

func degradedDiscordMessage(pool string) DiscordMessage {
	return DiscordMessage{Embeds: []DiscordEmbed{{
		Title:       "Pool adapter degraded",
		Description: fmt.Sprintf("Adapter for **%s** has failed repeatedly across ticks.", pool),
		Color:       0xF39C12,
		Footer:      &DiscordFooter{Text: "uptimed"},
	}}}
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry.
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("notify: failed to marshal Discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(n.cfg.DiscordWebhook, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("notify: failed to send Discord notification after %d attempts: %v", MaxRetries, lastErr)
	}
}

// TelegramMessage represents a Telegram bot message.
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func offlineTelegramText(pool, workerName string, minerID int64) string {
	return fmt.Sprintf(
		"*Worker offline*\n\nWorker: `%s`\nPool: `%s`\nMiner ID: `%d`",
		workerName, pool, minerID,
	)
}

func degradedTelegramText(pool string) string {
	return fmt.Sprintf("*Pool adapter degraded*\n\nPool: `%s`", pool)
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry.
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramToken)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChatID,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("notify: failed to marshal Telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("notify: failed to send Telegram notification after %d attempts: %v", MaxRetries, lastErr)
	}
}
