package monitor

import (
	"context"
	"fmt"
	"time"

	"lifeguard/internal/alert"
	"lifeguard/internal/delivery"
	"lifeguard/internal/eventbus"
	"lifeguard/internal/liveness"
	"lifeguard/internal/metrics"
	"lifeguard/internal/relation"
	"lifeguard/internal/runtime/supervisor"
	logx "lifeguard/pkg/logx"
)

// recheckIntervals caps how long a ticket may defer a pair, so signals written
// to a shared liveness store by another process are still noticed.
const recheckIntervals = 15

// runPair evaluates p unless it is already being evaluated. With rerun set a
// busy pair is evaluated again by its current runner once it finishes.
func (e *Engine) runPair(ctx context.Context, p relation.Pair, rerun bool) error {
	k := p.Key()
	if !e.runs.begin(k, rerun) {
		return errPairBusy
	}
	for {
		err := supervisor.Guard(e.log, "evaluate "+k.String(), func() error {
			return e.evaluate(ctx, p)
		})
		if !e.runs.end(k) {
			return err
		}
		if err != nil {
			e.log.Warn("pair evaluation failed before rerun", logx.Pair(k.SubjectID, k.ObserverID), logx.Err(err))
		}
	}
}

// evaluate is one cycle for one pair. Reads and the state commit are bounded
// by the pair timeout; delivery runs on ctx and is bounded by the
// dispatcher's own attempt timeouts.
func (e *Engine) evaluate(ctx context.Context, p relation.Pair) error {
	cfg := e.config()
	k := p.Key()
	tctx, cancel := context.WithTimeout(ctx, cfg.PairTimeout)
	defer cancel()

	rec, found, err := e.live.Get(tctx, p.SubjectID)
	if err != nil {
		metrics.PairError("store")
		return fmt.Errorf("pair %s: %w", k, storeErr(err))
	}
	if !found {
		// Nothing to measure inactivity from yet.
		return nil
	}
	obs, err := e.relations.Observer(tctx, p.ObserverID)
	if err != nil {
		metrics.PairError("relation")
		return fmt.Errorf("pair %s: %w", k, err)
	}

	now := e.clock.Now()
	pol := e.policyFor(p.SubjectID)
	level := alert.Classify(elapsedSince(now, rec.LastActivityAt), pol)
	d, err := e.tracker.Evaluate(tctx, k, level, pol, obs.Quiet, now)
	if err != nil {
		metrics.PairError("store")
		return fmt.Errorf("pair %s: %w", k, storeErr(err))
	}
	metrics.Decision(string(d.Outcome), level.String())

	switch d.Outcome {
	case alert.OutcomeRecovered:
		e.log.Info("pair recovered",
			logx.Pair(k.SubjectID, k.ObserverID),
			logx.String("from", d.Prev.CurrentLevel.String()),
			logx.Int("notifications", d.Prev.NotificationCount))
		eventbus.Emit(e.bus, eventbus.AlertRecovered, "subject", p.SubjectID, "observer", p.ObserverID, "from", d.Prev.CurrentLevel.String())
	case alert.OutcomeDeferred:
		e.log.Info("notification deferred by quiet hours", logx.Pair(k.SubjectID, k.ObserverID), logx.String("level", level.String()), logx.Time("until", obs.Quiet.End(now)))
		eventbus.Emit(e.bus, eventbus.AlertDeferred, "subject", p.SubjectID, "observer", p.ObserverID, "level", level.String())
	}

	if d.Notify {
		e.notify(ctx, p, obs, rec, d, pol, now)
	}
	e.schedule(k, d, rec, pol, obs.Quiet, now, cfg.Interval)
	return nil
}

func (e *Engine) schedule(k alert.Key, d alert.Decision, rec liveness.Record, pol alert.Policy, quiet alert.QuietHours, now time.Time, interval time.Duration) {
	next, reason := alert.NextDue(d.Next, rec.LastActivityAt, pol), "transition"
	if d.Outcome == alert.OutcomeDeferred {
		next, reason = quiet.End(now), "quiet_hours"
	}
	limit := now.Add(recheckIntervals * interval)
	if next.IsZero() || next.After(limit) {
		next, reason = limit, "recheck"
	}
	e.tickets.set(k, ticket{NotBefore: next, Reason: reason})
}

func (e *Engine) notify(ctx context.Context, p relation.Pair, obs relation.Observer, rec liveness.Record, d alert.Decision, pol alert.Policy, now time.Time) {
	log := e.log.With(logx.Pair(p.SubjectID, p.ObserverID), logx.String("level", d.Level.String()))

	subj, err := e.relations.Subject(ctx, p.SubjectID)
	if err != nil {
		log.Warn("subject lookup failed, sending without details", logx.Err(err))
		subj = relation.Subject{Contact: delivery.Contact{ID: p.SubjectID, Name: p.SubjectID}}
	}
	hours := int(elapsedSince(now, rec.LastActivityAt) / time.Hour)
	text, err := e.currentTemplates().Render(d.Level, alert.Vars{
		SubjectName:    subj.Name,
		SubjectPhone:   subj.Phone,
		SubjectAddress: subj.Address,
		ObserverName:   obs.Name,
		HoursInactive:  hours,
		LastActivityAt: rec.LastActivityAt,
		Now:            now,
	})
	if err != nil {
		log.Error("template render failed, using plain text", logx.Err(err))
		text = fmt.Sprintf("[%s] %s has been inactive for %d hours.", d.Level, subj.Name, hours)
	}

	// Each escalation is its own notification, even to a level already
	// reached earlier in the episode; repeats share a key per level and are
	// spaced by the repeat interval.
	seq, window := 0, pol.RepeatInterval(d.Level)
	if d.Outcome == alert.OutcomeEscalated {
		seq, window = d.Next.NotificationCount, 0
	}
	msg := delivery.Message{
		Key:              delivery.IdempotencyKey(p.ObserverID, p.SubjectID, d.Level, d.Next.EpisodeStartedAt, seq),
		Sequence:         seq,
		ObserverID:       p.ObserverID,
		SubjectID:        p.SubjectID,
		Level:            d.Level,
		EpisodeStartedAt: d.Next.EpisodeStartedAt,
		Text:             text,
		Tiers:            pol.Tiers(d.Level),
		DedupWindow:      window,
		To:               delivery.Recipient{Observer: obs.Contact, Subject: subj.Contact, Level: d.Level},
		CreatedAt:        now,
	}
	res, err := e.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		// The decision stays committed; the dispatcher has already queued or
		// alarmed whatever it could not deliver.
		log.Error("notification not delivered", logx.String("outcome", string(d.Outcome)), logx.Int("attempts", res.Attempts), logx.Err(err))
		return
	}
	log.Info("notification dispatched",
		logx.String("outcome", string(d.Outcome)),
		logx.String("status", string(res.Status)),
		logx.String("channel", res.Channel),
		logx.Int("count", d.Next.NotificationCount))
	eventbus.Emit(e.bus, eventbus.AlertNotified,
		"subject", p.SubjectID, "observer", p.ObserverID, "level", d.Level.String(),
		"outcome", string(d.Outcome), "status", string(res.Status))
}
