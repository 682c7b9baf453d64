package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	logx "drillbot/pkg/logx"
)

// Sender delivers one rendered message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SinkConfig selects and configures a Sender.
type SinkConfig struct {
	Kind       string // "webhook", "telegram" or "log"
	WebhookURL string
	Token      string
	ChatID     int64
	ThreadID   int
}

// NewSender builds the Sender described by cfg.
func NewSender(cfg SinkConfig, log logx.Logger) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "log":
		return LogSender{Log: log}, nil
	case "webhook":
		if strings.TrimSpace(cfg.WebhookURL) == "" {
			return nil, errors.New("webhook url is empty")
		}
		return &WebhookSender{URL: cfg.WebhookURL, Client: &http.Client{Timeout: 8 * time.Second}}, nil
	case "telegram":
		return NewTelegramSender(cfg.Token, cfg.ChatID, cfg.ThreadID)
	default:
		return nil, fmt.Errorf("unknown notifier sink %q", cfg.Kind)
	}
}

// LogSender writes messages to the daemon log.
type LogSender struct {
	Log logx.Logger
}

func (l LogSender) Send(_ context.Context, text string) error {
	l.Log.Info("notification", logx.String("text", text))
	return nil
}

// WebhookSender posts {"content": text} to a chat webhook.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

func (w *WebhookSender) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook: unexpected status %s", resp.Status)
	}
	return nil
}

const telegramTextLimit = 4096

// TelegramSender sends messages to one chat (optionally a forum topic).
type TelegramSender struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func NewTelegramSender(token string, chatID int64, threadID int) (*TelegramSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	// Offline skips the getMe round trip; the bot only sends.
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b, chat: &tele.Chat{ID: chatID}, threadID: threadID}, nil
}

func (t *TelegramSender) Send(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{ThreadID: t.threadID, DisableWebPagePreview: true}
		if _, err := t.bot.Send(t.chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts text into chunks of at most limit runes, preferring line breaks.
func splitText(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var out []string
	var cur strings.Builder
	n := 0
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
			n = 0
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		ln := utf8.RuneCountInString(line)
		if n+ln > limit {
			flush()
		}
		for ln > limit {
			r := []rune(line)
			out = append(out, string(r[:limit]))
			line = string(r[limit:])
			ln -= limit
		}
		cur.WriteString(line)
		n += ln
	}
	flush()
	return out
}
