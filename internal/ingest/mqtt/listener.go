// Package mqtt subscribes to device signal topics and feeds them to the engine.
//
// Topic layout: <prefix>/<subjectID>. Payload:
//
//	{"timestamp":"2026-03-10T09:00:00Z","source":"motion","nonce":"..."}
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"lifeguard/internal/liveness"
	"lifeguard/internal/monitor"
	logx "lifeguard/pkg/logx"
)

const DefaultTopicPrefix = "lifeguard/signals"

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

type Ingester interface {
	Ingest(ctx context.Context, sig liveness.Signal) (monitor.IngestResult, error)
}

// Listener owns one paho client. Connectivity to the broker doubles as a
// connectivity hint for the delivery queue: every (re)connect calls Online.
type Listener struct {
	cfg    Config
	ing    Ingester
	online func()
	log    logx.Logger
}

func New(cfg Config, ing Ingester, online func(), log logx.Logger) *Listener {
	if strings.TrimSpace(cfg.TopicPrefix) == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("lifeguard-%d", time.Now().UnixNano())
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Listener{cfg: cfg, ing: ing, online: online, log: log}
}

func (l *Listener) Topic() string { return l.cfg.TopicPrefix + "/+" }

// Run connects, subscribes on every (re)connect and blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	opts := paho.NewClientOptions()
	opts.AddBroker(l.cfg.Broker)
	opts.SetClientID(l.cfg.ClientID)
	if l.cfg.Username != "" {
		opts.SetUsername(l.cfg.Username)
	}
	if l.cfg.Password != "" {
		opts.SetPassword(l.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		l.log.Warn("mqtt connection lost", logx.Err(err))
	})
	opts.SetOnConnectHandler(func(c paho.Client) {
		tok := c.Subscribe(l.Topic(), l.cfg.QoS, func(_ paho.Client, m paho.Message) {
			if err := l.handle(ctx, m.Topic(), m.Payload()); err != nil {
				l.log.Debug("mqtt signal dropped", logx.String("topic", m.Topic()), logx.Err(err))
			}
		})
		if !tok.WaitTimeout(10 * time.Second) {
			l.log.Error("mqtt subscribe timed out", logx.String("topic", l.Topic()))
			return
		}
		if err := tok.Error(); err != nil {
			l.log.Error("mqtt subscribe failed", logx.String("topic", l.Topic()), logx.Err(err))
			return
		}
		l.log.Info("mqtt subscribed", logx.String("broker", l.cfg.Broker), logx.String("topic", l.Topic()))
		if l.online != nil {
			l.online()
		}
	})

	client := paho.NewClient(opts)
	tok := client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", l.cfg.Broker, err)
		}
	case <-ctx.Done():
	}
	<-ctx.Done()
	client.Disconnect(250)
	l.log.Info("mqtt disconnected")
	return nil
}

type payload struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Nonce     string    `json:"nonce,omitempty"`
}

var errBadTopic = errors.New("mqtt: topic does not name a subject")

func (l *Listener) handle(ctx context.Context, topic string, body []byte) error {
	rest, ok := strings.CutPrefix(topic, l.cfg.TopicPrefix+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return fmt.Errorf("%w: %q", errBadTopic, topic)
	}
	var p payload
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("%w: payload: %v", liveness.ErrInvalidSignal, err)
	}
	res, err := l.ing.Ingest(ctx, liveness.Signal{
		SubjectID: rest,
		Timestamp: p.Timestamp,
		Source:    liveness.Source(p.Source),
		Nonce:     p.Nonce,
	})
	if err != nil {
		return err
	}
	l.log.Debug("mqtt signal", logx.Subject(rest), logx.String("outcome", string(res.Outcome)))
	return nil
}
