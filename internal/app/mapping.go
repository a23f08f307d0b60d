package app

import (
	"fmt"
	"strings"
	"time"

	"lifeguard/internal/alert"
	"lifeguard/internal/config"
	"lifeguard/internal/delivery"
	"lifeguard/internal/ingest/httpapi"
	mqttingest "lifeguard/internal/ingest/mqtt"
	"lifeguard/internal/liveness"
	"lifeguard/internal/monitor"
	"lifeguard/internal/observability/pprof"
	"lifeguard/internal/storage"
	"lifeguard/internal/storage/redisstore"
	logx "lifeguard/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapRedisConfig reports whether liveness records live in Redis instead of
// the storage backend.
func mapRedisConfig(cfg *config.Config) (redisstore.Config, bool) {
	if cfg.Liveness.Driver != "redis" {
		return redisstore.Config{}, false
	}
	r := cfg.Liveness.Redis
	return redisstore.Config{Addr: r.Addr, Password: r.Password, DB: r.DB, KeyPrefix: r.KeyPrefix}, true
}

func mapValidatorConfig(cfg *config.Config) (liveness.ValidatorConfig, error) {
	vc := cfg.Validator
	var d config.Durations
	out := liveness.ValidatorConfig{
		FutureSkew:   d.Get("validator.future_skew", vc.FutureSkew, 60*time.Second),
		RateWindow:   d.Get("validator.rate_window", vc.RateWindow, 10*time.Second),
		RateLimit:    vc.RateLimit,
		ReplayWindow: d.Get("validator.replay_window", vc.ReplayWindow, 10*time.Minute),
		IdleTTL:      d.Get("validator.idle_ttl", vc.IdleTTL, time.Hour),
	}
	return out, d.Err()
}

var levelsByName = map[string]alert.Level{
	"warning":   alert.Warning,
	"danger":    alert.Danger,
	"emergency": alert.Emergency,
}

func mapPolicyConfig(cfg *config.Config) (alert.PolicySet, error) {
	pc := cfg.Policy
	var d config.Durations
	warning := d.Get("policy.warning", pc.Warning, 24*time.Hour)
	danger := d.Get("policy.danger", pc.Danger, 48*time.Hour)
	emergency := d.Get("policy.emergency", pc.Emergency, 72*time.Hour)
	if err := d.Err(); err != nil {
		return alert.PolicySet{}, err
	}

	repeat := map[alert.Level]time.Duration{alert.Emergency: 6 * time.Hour}
	for name, raw := range pc.Repeat {
		l, ok := levelsByName[name]
		if !ok {
			return alert.PolicySet{}, fmt.Errorf("policy.repeat: unknown level %q", name)
		}
		every, err := config.ParseDurationField("policy.repeat."+name, raw)
		if err != nil {
			return alert.PolicySet{}, err
		}
		repeat[l] = every
	}
	var tiers map[alert.Level][]string
	for name, list := range pc.Tiers {
		l, ok := levelsByName[name]
		if !ok {
			return alert.PolicySet{}, fmt.Errorf("policy.tiers: unknown level %q", name)
		}
		if tiers == nil {
			tiers = map[alert.Level][]string{}
		}
		tiers[l] = append([]string(nil), list...)
	}

	build := func(path string, w, dg, e time.Duration) (alert.Policy, error) {
		p, err := alert.NewPolicy([]alert.Threshold{
			{Level: alert.Warning, After: w},
			{Level: alert.Danger, After: dg},
			{Level: alert.Emergency, After: e},
		}, repeat, tiers)
		if err != nil {
			return alert.Policy{}, fmt.Errorf("%s: %w", path, err)
		}
		return p, nil
	}

	def, err := build("policy", warning, danger, emergency)
	if err != nil {
		return alert.PolicySet{}, err
	}
	set := alert.PolicySet{Default: def}
	for subject, o := range pc.Overrides {
		path := "policy.overrides." + subject
		var od config.Durations
		w := od.Get(path+".warning", o.Warning, warning)
		dg := od.Get(path+".danger", o.Danger, danger)
		e := od.Get(path+".emergency", o.Emergency, emergency)
		if err := od.Err(); err != nil {
			return alert.PolicySet{}, err
		}
		p, err := build(path, w, dg, e)
		if err != nil {
			return alert.PolicySet{}, err
		}
		if set.Overrides == nil {
			set.Overrides = map[string]alert.Policy{}
		}
		set.Overrides[subject] = p
	}
	return set, nil
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapSchedulerConfig(cfg *config.Config) (monitor.Config, error) {
	sc := cfg.Scheduler
	loc, err := mapLocation(cfg)
	if err != nil {
		return monitor.Config{}, err
	}
	var d config.Durations
	out := monitor.Config{
		Interval:    d.Get("scheduler.interval", sc.Interval, time.Minute),
		PairTimeout: d.Get("scheduler.pair_timeout", sc.PairTimeout, 30*time.Second),
		Workers:     sc.Workers,
		Location:    loc,
	}
	if err := d.Err(); err != nil {
		return monitor.Config{}, err
	}
	if out.Interval < time.Second {
		return monitor.Config{}, fmt.Errorf("scheduler.interval must be >= 1s")
	}
	return out, nil
}

func mapDispatcherConfig(cfg *config.Config) (delivery.Config, error) {
	dc := cfg.Dispatcher
	var d config.Durations
	out := delivery.Config{
		RetryMax:       dc.RetryMax,
		RetryBase:      d.Get("dispatcher.retry_base", dc.RetryBase, time.Second),
		RetryMaxDelay:  d.Get("dispatcher.retry_max_delay", dc.RetryMaxDelay, 30*time.Second),
		AttemptTimeout: d.Get("dispatcher.attempt_timeout", dc.AttemptTimeout, 15*time.Second),
		RatePerSec:     dc.RatePerSec,
		Burst:          dc.Burst,
		FlushInterval:  d.Get("dispatcher.flush_interval", dc.FlushInterval, 30*time.Second),
		FlushBatch:     dc.FlushBatch,
		FallbackTier:   strings.TrimSpace(dc.FallbackTier),
	}
	return out, d.Err()
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, bool) {
	if !cfg.HTTP.Enabled {
		return httpapi.Config{}, false
	}
	return httpapi.Config{Addr: cfg.HTTP.Addr, Token: cfg.HTTP.Token}, true
}

func mapMQTTConfig(cfg *config.Config) (mqttingest.Config, bool) {
	m := cfg.MQTT
	if m == nil || strings.TrimSpace(m.Broker) == "" {
		return mqttingest.Config{}, false
	}
	return mqttingest.Config{
		Broker:      m.Broker,
		ClientID:    m.ClientID,
		Username:    m.Username,
		Password:    m.Password,
		TopicPrefix: m.TopicPrefix,
		QoS:         m.QoS,
	}, true
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, bool, error) {
	pc := cfg.Pprof
	if pc == nil {
		return pprof.Config{}, false, nil
	}
	out := pprof.Config{
		Addr:                 strings.TrimSpace(pc.Addr),
		Token:                strings.TrimSpace(pc.Token),
		AllowInsecure:        pc.AllowInsecure,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
	}
	if err := out.Validate(); err != nil {
		return pprof.Config{}, false, fmt.Errorf("pprof.addr: %w", err)
	}
	return out, true, nil
}

// unroutedTiers lists tiers named by the policy (or the fallback) that have
// no enabled channel. Those tiers always fail over to the next one.
func unroutedTiers(cfg *config.Config, set alert.PolicySet, fallback string) []string {
	seen := map[string]bool{}
	var out []string
	check := func(tier string) {
		if tier == "" || seen[tier] {
			return
		}
		seen[tier] = true
		if !cfg.Channels.Has(tier) {
			out = append(out, tier)
		}
	}
	policies := []alert.Policy{set.Default}
	for _, p := range set.Overrides {
		policies = append(policies, p)
	}
	for _, p := range policies {
		for _, l := range []alert.Level{alert.Warning, alert.Danger, alert.Emergency} {
			for _, t := range p.Tiers(l) {
				check(t)
			}
		}
	}
	if fallback == "" {
		fallback = alert.TierDispatch
	}
	check(fallback)
	return out
}
