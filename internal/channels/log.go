package channels

import (
	"context"

	"lifeguard/internal/delivery"
	logx "lifeguard/pkg/logx"
)

// Log writes messages to the logger and always succeeds. It stands in for a
// real transport during local runs.
type Log struct {
	name string
	log  logx.Logger
}

func NewLog(name string, log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{name: name, log: log.With(logx.String("channel", name))}
}

func (l *Log) Name() string { return l.name }

func (l *Log) Send(ctx context.Context, to delivery.Recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Info("notification",
		logx.Observer(to.Observer.ID),
		logx.Subject(to.Subject.ID),
		logx.String("level", to.Level.String()),
		logx.String("text", text))
	return nil
}
