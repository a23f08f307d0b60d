package channels

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"lifeguard/internal/alert"
	"lifeguard/internal/clock"
	"lifeguard/internal/delivery"
	logx "lifeguard/pkg/logx"
)

type DispatchConfig struct {
	URL     string
	APIKey  string
	Source  string
	Timeout time.Duration
}

// Dispatch files an inactivity report with an emergency dispatch service.
type Dispatch struct {
	cfg    DispatchConfig
	client *resty.Client
	clock  clock.Clock
	log    logx.Logger
}

// DispatchReport is the JSON body of one report.
type DispatchReport struct {
	ReportID  string         `json:"reportId"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Subject   DispatchPerson `json:"subject"`
}

type DispatchPerson struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

func NewDispatch(cfg DispatchConfig, clk clock.Clock, log logx.Logger) *Dispatch {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "lifeguard"
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
	return &Dispatch{cfg: cfg, client: client, clock: clock.OrReal(clk), log: log.With(logx.String("channel", alert.TierDispatch))}
}

func (d *Dispatch) Name() string { return alert.TierDispatch }

func (d *Dispatch) Send(ctx context.Context, to delivery.Recipient, text string) error {
	kind := "normal"
	if to.Level >= alert.Emergency {
		kind = "emergency"
	}
	report := DispatchReport{
		ReportID:  uuid.NewString(),
		Message:   text,
		Type:      kind,
		Timestamp: d.clock.Now().UTC(),
		Source:    d.cfg.Source,
		Subject: DispatchPerson{
			ID:      to.Subject.ID,
			Name:    to.Subject.Name,
			Phone:   to.Subject.Phone,
			Address: to.Subject.Address,
		},
	}
	resp, err := d.client.R().SetContext(ctx).SetBody(report).Post(d.cfg.URL)
	if err := classifyHTTP(ctx, resp, err); err != nil {
		return err
	}
	d.log.Info("dispatch report filed", logx.Subject(to.Subject.ID), logx.String("report_id", report.ReportID))
	return nil
}
