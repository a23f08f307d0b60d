package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"lifeguard/internal/alert"
	"lifeguard/internal/clock"
	"lifeguard/internal/config"
	"lifeguard/internal/delivery"
	"lifeguard/internal/eventbus"
	"lifeguard/internal/ingest/httpapi"
	mqttingest "lifeguard/internal/ingest/mqtt"
	"lifeguard/internal/liveness"
	"lifeguard/internal/monitor"
	"lifeguard/internal/observability/pprof"
	"lifeguard/internal/relation"
	"lifeguard/internal/runtime/supervisor"
	"lifeguard/internal/storage"
	"lifeguard/internal/storage/redisstore"
	logx "lifeguard/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm   *config.Manager
	sup    *supervisor.Supervisor
	cancel context.CancelFunc
	clock  clock.Clock

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Backend
	redis *redisstore.Store

	relations  *relation.Static
	validator  *liveness.Validator
	dispatcher *delivery.Dispatcher
	operator   *operatorChannel
	engine     *monitor.Engine

	http  *httpapi.Server
	mqtt  *mqttingest.Listener
	pprof *pprof.Server
}

// plan is everything derived from one settings document that can be
// applied to running components.
type plan struct {
	logs      logx.Config
	policy    alert.PolicySet
	templates *alert.Templates
	sched     monitor.Config
	disp      delivery.Config
	loc       *time.Location
}

func buildPlan(cfg *config.Config) (plan, error) {
	var (
		p   plan
		err error
	)
	p.logs = mapLoggingConfig(cfg)
	if p.policy, err = mapPolicyConfig(cfg); err != nil {
		return plan{}, err
	}
	if p.templates, err = alert.NewTemplates(cfg.Templates); err != nil {
		return plan{}, fmt.Errorf("templates: %w", err)
	}
	if p.sched, err = mapSchedulerConfig(cfg); err != nil {
		return plan{}, err
	}
	p.loc = p.sched.Location
	if p.disp, err = mapDispatcherConfig(cfg); err != nil {
		return plan{}, err
	}
	return p, nil
}

// Check runs every semantic check the app performs on a settings document
// without starting anything. Warnings describe settings that are accepted but
// probably wrong.
func Check(cfg *config.Config) (warnings []string, err error) {
	p, err := buildPlan(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	}
	if _, err := mapValidatorConfig(cfg); err != nil {
		return nil, err
	}
	if _, _, err := mapPprofConfig(cfg); err != nil {
		return nil, err
	}
	if err := relation.NewStatic().Replace(cfg.Relations, p.loc); err != nil {
		return nil, fmt.Errorf("relations: %w", err)
	}
	if _, err := buildChannels(cfg.Channels, nil, logx.Nop()); err != nil {
		return nil, err
	}
	for _, tier := range unroutedTiers(cfg, p.policy, p.disp.FallbackTier) {
		warnings = append(warnings, fmt.Sprintf("tier %q has no enabled channel", tier))
	}
	return warnings, nil
}

// OpenStorage opens the backend named by the storage section.
func OpenStorage(cfg *config.Config, log logx.Logger) (storage.Backend, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

func NewApp(cfgPath string) (*App, error) {
	return newApp(cfgPath, clock.Real{})
}

func newApp(cfgPath string, clk clock.Clock) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if _, err := Check(cfg); err != nil {
		return nil, err
	}
	p, err := buildPlan(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(p.logs)
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	var (
		live liveness.Store = store
		rs   *redisstore.Store
	)
	if rc, ok := mapRedisConfig(cfg); ok {
		rs = redisstore.New(rc)
		pctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rs.Ping(pctx); err != nil {
			log.Warn("redis liveness store not reachable yet", logx.String("addr", rc.Addr), logx.Err(err))
		}
		cancel()
		live = rs
		log.Info("liveness records in redis", logx.String("addr", rc.Addr))
	}

	fail := func(err error) (*App, error) {
		if rs != nil {
			_ = rs.Close()
		}
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	rels, err := relation.FromConfig(cfg.Relations, p.loc)
	if err != nil {
		return fail(fmt.Errorf("relations: %w", err))
	}
	vcfg, err := mapValidatorConfig(cfg)
	if err != nil {
		return fail(err)
	}
	val := liveness.NewValidator(vcfg, live, clk)

	chs, err := buildChannels(cfg.Channels, clk, log.With(logx.String("comp", "channels")))
	if err != nil {
		return fail(err)
	}
	op := newOperatorChannel()
	op.set(chs, cfg.Channels.Operator)
	alarm := delivery.NewBusAlarm(bus, log.With(logx.String("comp", "alarm")), op)
	disp := delivery.New(p.disp, delivery.Deps{
		Queue:    store,
		Attempts: store,
		Alarm:    alarm,
		Clock:    clk,
		Bus:      bus,
		Log:      log.With(logx.String("comp", "delivery")),
	}, chs...)

	eng, err := monitor.New(p.sched, monitor.Deps{
		Validator:  val,
		Liveness:   live,
		Tracker:    alert.NewTracker(store),
		Relations:  rels,
		Dispatcher: disp,
		Templates:  p.templates,
		Policy:     p.policy,
		Clock:      clk,
		Bus:        bus,
		Log:        log.With(logx.String("comp", "monitor")),
	})
	if err != nil {
		return fail(err)
	}

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		clock:      clk,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		redis:      rs,
		relations:  rels,
		validator:  val,
		dispatcher: disp,
		operator:   op,
		engine:     eng,
	}

	if hc, ok := mapHTTPConfig(cfg); ok {
		a.http = httpapi.New(hc, httpapi.Deps{
			Engine: eng,
			Queue:  store,
			Online: disp.NotifyOnline,
			Loops:  a.loops,
			Log:    log.With(logx.String("comp", "http")),
		})
	}
	if mc, ok := mapMQTTConfig(cfg); ok {
		a.mqtt = mqttingest.New(mc, eng, disp.NotifyOnline, log.With(logx.String("comp", "mqtt")))
	}
	if pc, ok, err := mapPprofConfig(cfg); err != nil {
		return fail(err)
	} else if ok {
		a.pprof = pprof.New(pc, log.With(logx.String("comp", "pprof")))
	}
	for _, w := range unroutedTiers(cfg, p.policy, p.disp.FallbackTier) {
		log.Warn("tier has no enabled channel; it always fails over", logx.String("tier", w))
	}
	return a, nil
}

// Engine exposes the monitor for in-process signal sources.
func (a *App) Engine() *monitor.Engine { return a.engine }

func (a *App) loops() []supervisor.LoopStatus {
	if a.sup == nil {
		return nil
	}
	return a.sup.Loops()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.sup = supervisor.New(runCtx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// reject a reloaded document before it is committed
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := Check(cfg)
		return err
	})

	a.sup.Go("scheduler", a.engine.Run)
	a.sup.Go("scheduler.wake", func(c context.Context) error { return a.engine.WatchSuspend(c, 5*time.Second) })
	a.sup.Go("delivery", a.dispatcher.Run)
	if a.http != nil {
		a.sup.Go("http", a.http.Run)
	}
	if a.mqtt != nil {
		a.sup.GoRestart("mqtt", a.mqtt.Run, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	if a.pprof != nil {
		a.sup.GoRestart("pprof", a.pprof.Run, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// keep only the newest document of a burst
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started")
	return nil
}

// applyConfig pushes a committed document into the running components.
// Sections that need a restart are only reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(rr, ",")))
	}

	p, err := buildPlan(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	a.logs.Apply(p.logs)

	if err := a.relations.Replace(newCfg.Relations, p.loc); err != nil {
		a.log.Warn("invalid relations; keeping previous", logx.Err(err))
	}
	a.engine.Apply(p.sched)
	a.engine.SetTemplates(p.templates)
	if changed(sections, "policy") {
		a.engine.ApplyPolicy(p.policy)
	}

	a.dispatcher.Apply(p.disp)
	if changed(sections, "channels") {
		chs, err := buildChannels(newCfg.Channels, a.clock, a.log.With(logx.String("comp", "channels")))
		if err != nil {
			a.log.Warn("invalid channels; keeping previous", logx.Err(err))
		} else {
			a.dispatcher.SetChannels(chs...)
			a.operator.set(chs, newCfg.Channels.Operator)
		}
	}
	for _, w := range unroutedTiers(newCfg, p.policy, p.disp.FallbackTier) {
		a.log.Warn("tier has no enabled channel; it always fails over", logx.String("tier", w))
	}

	eventbus.Emit(a.bus, eventbus.ConfigReloaded, "sections", strings.Join(sections, ","))
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func changed(sections []string, name string) bool {
	for _, s := range sections {
		if s == name {
			return true
		}
	}
	return false
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	// cancel first so every loop starts unwinding
	a.cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped, deadline passed", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				<-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// loops hold the store, so they drain before it closes
	step("scheduler", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 5*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if a.redis != nil {
		step("redis", time.Second, func(context.Context) error { return a.redis.Close() })
	}
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
