package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"lifeguard/internal/channels"
	"lifeguard/internal/clock"
	"lifeguard/internal/config"
	"lifeguard/internal/delivery"
	logx "lifeguard/pkg/logx"
)

func buildChannels(cc config.ChannelsConfig, clk clock.Clock, log logx.Logger) ([]delivery.Channel, error) {
	var out []delivery.Channel
	if t := cc.Telegram; t != nil {
		timeout, err := config.ParseDurationOrDefault("channels.telegram.timeout", t.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := channels.NewTelegram(channels.TelegramConfig{Token: t.Token, Timeout: timeout},
			log.With(logx.String("channel", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("channels.telegram: %w", err)
		}
		out = append(out, tg)
	}
	if s := cc.SMS; s != nil {
		timeout, err := config.ParseDurationOrDefault("channels.sms.timeout", s.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		out = append(out, channels.NewSMS(channels.SMSConfig{URL: s.URL, APIKey: s.APIKey, From: s.From, Timeout: timeout},
			log.With(logx.String("channel", "sms"))))
	}
	if d := cc.Dispatch; d != nil {
		timeout, err := config.ParseDurationOrDefault("channels.dispatch.timeout", d.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		out = append(out, channels.NewDispatch(channels.DispatchConfig{URL: d.URL, APIKey: d.APIKey, Source: d.Source, Timeout: timeout},
			clk, log.With(logx.String("channel", "dispatch"))))
	}
	if name := strings.TrimSpace(cc.Log); name != "" {
		for _, c := range out {
			if c.Name() == name {
				return nil, fmt.Errorf("channels.log: tier %q is already served by a configured channel", name)
			}
		}
		out = append(out, channels.NewLog(name, log.With(logx.String("channel", "log"))))
	}
	return out, nil
}

// operatorChannel routes operator alarms through whichever channel the
// current config names. It follows channel and operator reloads.
type operatorChannel struct {
	mu       sync.RWMutex
	channels map[string]delivery.Channel
	cfg      *config.OperatorConfig
}

func newOperatorChannel() *operatorChannel {
	return &operatorChannel{channels: map[string]delivery.Channel{}}
}

func (o *operatorChannel) set(chs []delivery.Channel, cfg *config.OperatorConfig) {
	m := make(map[string]delivery.Channel, len(chs))
	for _, c := range chs {
		m[c.Name()] = c
	}
	o.mu.Lock()
	o.channels = m
	o.cfg = cfg
	o.mu.Unlock()
}

func (o *operatorChannel) Name() string { return "operator" }

func (o *operatorChannel) Send(ctx context.Context, to delivery.Recipient, text string) error {
	o.mu.RLock()
	cfg := o.cfg
	var ch delivery.Channel
	if cfg != nil {
		ch = o.channels[cfg.Channel]
	}
	o.mu.RUnlock()
	if cfg == nil {
		return nil
	}
	if ch == nil {
		return delivery.Permanent(fmt.Errorf("operator channel %q is not enabled", cfg.Channel))
	}
	to.Observer = delivery.Contact{ID: "operator", Name: "operator", Phone: cfg.Phone, ChatID: cfg.ChatID}
	return ch.Send(ctx, to, text)
}
