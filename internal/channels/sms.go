package channels

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"lifeguard/internal/alert"
	"lifeguard/internal/delivery"
	logx "lifeguard/pkg/logx"
)

type SMSConfig struct {
	URL     string
	APIKey  string
	From    string
	Timeout time.Duration
}

// SMS posts messages to an HTTP SMS gateway as
// {"to": phone, "from": sender, "text": body}.
type SMS struct {
	cfg    SMSConfig
	client *resty.Client
	log    logx.Logger
}

type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

func NewSMS(cfg SMSConfig, log logx.Logger) *SMS {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &SMS{cfg: cfg, client: client, log: log.With(logx.String("channel", alert.TierSMS))}
}

func (s *SMS) Name() string { return alert.TierSMS }

func (s *SMS) Send(ctx context.Context, to delivery.Recipient, text string) error {
	phone := strings.TrimSpace(to.Observer.Phone)
	if phone == "" {
		return delivery.Permanent(errors.New("observer has no phone number"))
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(smsRequest{To: phone, From: s.cfg.From, Text: text}).
		Post(s.cfg.URL)
	if err := classifyHTTP(ctx, resp, err); err != nil {
		return err
	}
	s.log.Debug("sms accepted", logx.Observer(to.Observer.ID), logx.Int("status", resp.StatusCode()))
	return nil
}
