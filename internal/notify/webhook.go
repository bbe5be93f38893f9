// Package notify announces target switches on Discord and Telegram.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/defpool/defpool-server/internal/config"
	"github.com/defpool/defpool-server/internal/switchlog"
	"github.com/defpool/defpool-server/internal/util"
)

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

const (
	colorSwitch = 0x3498DB
	colorForced = 0xE67E22
)

// Notifier handles sending notifications
type Notifier struct {
	cfg      config.NotifyConfig
	poolName string
	poolURL  string
	client   *http.Client

	telegramAPI string
	retryDelay  time.Duration
	wg          sync.WaitGroup
}

// NewNotifier creates a new notifier
func NewNotifier(cfg config.NotifyConfig, pool config.PoolConfig) *Notifier {
	return &Notifier{
		cfg:      cfg,
		poolName: pool.Name,
		poolURL:  pool.URL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		telegramAPI: "https://api.telegram.org",
		retryDelay:  RetryBaseDelay,
	}
}

// NotifyTargetSwitch posts a switch announcement to every configured sink.
// Delivery happens in the background.
func (n *Notifier) NotifyTargetSwitch(entry switchlog.Entry) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		n.goSend(func() { n.sendDiscordMessageWithRetry(n.discordSwitchMessage(entry)) })
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		n.goSend(func() { n.sendTelegramMessageWithRetry(telegramSwitchText(entry)) })
	}
}

// Wait blocks until every pending notification finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) goSend(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// TelegramMessage represents a Telegram sendMessage payload
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

func (n *Notifier) discordSwitchMessage(entry switchlog.Entry) DiscordMessage {
	title := "Target Switched"
	color := colorSwitch
	if entry.Forced {
		title = "Target Switched (forced)"
		color = colorForced
	}

	embed := DiscordEmbed{
		Title:       title,
		Description: fmt.Sprintf("Hashpower moved from **%s** to **%s**", entry.From, entry.To),
		URL:         n.poolURL,
		Color:       color,
		Fields: []DiscordField{
			{Name: "From", Value: entry.From, Inline: true},
			{Name: "To", Value: entry.To, Inline: true},
			{Name: "Generation", Value: fmt.Sprintf("%d", entry.Generation), Inline: true},
			{Name: "Reason", Value: entry.Reason},
		},
		Timestamp: entry.Time.UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: n.poolName},
	}

	return DiscordMessage{Embeds: []DiscordEmbed{embed}}
}

func telegramSwitchText(entry switchlog.Entry) string {
	prefix := "*Target switched*"
	if entry.Forced {
		prefix = "*Target switched (forced)*"
	}
	return fmt.Sprintf("%s\n\n%s → %s\nReason: %s\nGeneration: %d",
		prefix, entry.From, entry.To, entry.Reason, entry.Generation)
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	if err := n.postWithRetry(n.cfg.DiscordURL, body); err != nil {
		util.Warnf("Discord notification failed after %d attempts: %v", MaxRetries, err)
	}
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramAPI, n.cfg.TelegramBot)

	body, err := json.Marshal(TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	if err := n.postWithRetry(url, body); err != nil {
		util.Warnf("Telegram notification failed after %d attempts: %v", MaxRetries, err)
	}
}

func (n *Notifier) postWithRetry(url string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 2s, 4s
			time.Sleep(n.retryDelay * time.Duration(1<<uint(attempt-1)))
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return nil
		}

		// Rate limited - wait longer
		if resp.StatusCode == http.StatusTooManyRequests {
			time.Sleep(n.retryDelay * 2)
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}
	return lastErr
}
