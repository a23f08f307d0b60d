package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"lifeguard/internal/alert"
	"lifeguard/internal/delivery"
	logx "lifeguard/pkg/logx"
)

type TelegramConfig struct {
	Token   string
	Timeout time.Duration
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

// Telegram is the push tier. It only sends; it never polls for updates.
type Telegram struct {
	bot *tele.Bot
	log logx.Logger
}

const telegramTextLimit = 4000

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{bot: b, log: log.With(logx.String("channel", alert.TierPush))}, nil
}

func (t *Telegram) Name() string { return alert.TierPush }

func (t *Telegram) Send(ctx context.Context, to delivery.Recipient, text string) error {
	if to.Observer.ChatID == 0 {
		return delivery.Permanent(errors.New("observer has no telegram chat"))
	}
	chat := tele.ChatID(to.Observer.ChatID)
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return classifyTelegram(ctx, err)
		}
	}
	t.log.Debug("push sent", logx.Observer(to.Observer.ID))
	return nil
}

func classifyTelegram(ctx context.Context, err error) error {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return delivery.Permanent(err)
		}
		return err
	}
	return classifyTransport(ctx, err)
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that do not leave tiny chunks behind.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := start + limit
		if end >= len(rs) {
			out = append(out, string(rs[start:]))
			break
		}
		for i := end - 1; i-start >= limit/3; i-- {
			if rs[i] == '\n' {
				end = i + 1
				break
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
