package delivery

import (
	"context"
	"fmt"
	"time"

	"lifeguard/internal/eventbus"
	logx "lifeguard/pkg/logx"
)

type AlarmEvent struct {
	Message Message
	Err     error
	At      time.Time
}

// Alarm surfaces exhausted emergency deliveries to operators.
type Alarm interface {
	Raise(ctx context.Context, ev AlarmEvent)
}

// BusAlarm logs at error level, publishes on the event bus and, when an
// operator channel is set, sends a short notice through it.
type BusAlarm struct {
	bus      eventbus.Bus
	log      logx.Logger
	operator Channel
	to       Recipient
}

func NewBusAlarm(bus eventbus.Bus, log logx.Logger, operator Channel) *BusAlarm {
	return &BusAlarm{bus: bus, log: log, operator: operator}
}

// WithOperator sets who the operator channel addresses.
func (a *BusAlarm) WithOperator(to Recipient) *BusAlarm {
	a.to = to
	return a
}

func (a *BusAlarm) Raise(ctx context.Context, ev AlarmEvent) {
	m := ev.Message
	a.log.Error("OPERATOR ALARM: emergency alert could not be delivered",
		logx.Subject(m.SubjectID),
		logx.Observer(m.ObserverID),
		logx.Time("episode_started_at", m.EpisodeStartedAt),
		logx.Err(ev.Err))
	eventbus.Emit(a.bus, eventbus.AlarmRaised, "subject", m.SubjectID, "observer", m.ObserverID, "level", m.Level.String())

	if a.operator == nil {
		return
	}
	text := fmt.Sprintf("Emergency alert for subject %s (observer %s) failed on every channel at %s: %v",
		m.SubjectID, m.ObserverID, ev.At.UTC().Format(time.RFC3339), ev.Err)
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	to := a.to
	to.Subject = m.To.Subject
	to.Level = m.Level
	if err := a.operator.Send(sctx, to, text); err != nil {
		a.log.Error("operator alarm channel failed", logx.String("channel", a.operator.Name()), logx.Err(err))
	}
}
