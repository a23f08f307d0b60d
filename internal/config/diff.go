package config

import (
	"reflect"
	"sort"
	"strings"

	logx "lifeguard/pkg/logx"
)

// SummarizeChange lists the sections that differ between two documents and
// returns log fields describing the new values. Secrets (tokens, API keys,
// passwords, DSNs) are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled))

	section("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""))

	section("liveness", oldCfg.Liveness != newCfg.Liveness,
		logx.String("liveness.driver", newCfg.Liveness.Driver),
		logx.String("liveness.redis.addr", newCfg.Liveness.Redis.Addr))

	section("validator", oldCfg.Validator != newCfg.Validator,
		logx.String("validator.rate_window", newCfg.Validator.RateWindow),
		logx.Int("validator.rate_limit", newCfg.Validator.RateLimit))

	section("policy", !reflect.DeepEqual(oldCfg.Policy, newCfg.Policy),
		logx.String("policy.warning", newCfg.Policy.Warning),
		logx.String("policy.danger", newCfg.Policy.Danger),
		logx.String("policy.emergency", newCfg.Policy.Emergency),
		logx.Int("policy.overrides", len(newCfg.Policy.Overrides)))

	section("templates", !reflect.DeepEqual(oldCfg.Templates, newCfg.Templates),
		logx.Int("templates.count", len(newCfg.Templates)))

	section("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.String("scheduler.interval", newCfg.Scheduler.Interval),
		logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))

	section("dispatcher", oldCfg.Dispatcher != newCfg.Dispatcher,
		logx.Int("dispatcher.retry_max", newCfg.Dispatcher.RetryMax),
		logx.String("dispatcher.retry_base", newCfg.Dispatcher.RetryBase),
		logx.Any("dispatcher.rate_per_sec", newCfg.Dispatcher.RatePerSec))

	section("channels", !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels),
		logx.String("channels.enabled", strings.Join(newCfg.Channels.Names(), ",")),
		logx.Bool("channels.operator", newCfg.Channels.Operator != nil))

	section("http", oldCfg.HTTP != newCfg.HTTP,
		logx.Bool("http.enabled", newCfg.HTTP.Enabled),
		logx.String("http.addr", newCfg.HTTP.Addr),
		logx.Bool("http.token_set", newCfg.HTTP.Token != ""))

	var oldBroker, newBroker string
	if oldCfg.MQTT != nil {
		oldBroker = oldCfg.MQTT.Broker
	}
	if newCfg.MQTT != nil {
		newBroker = newCfg.MQTT.Broker
	}
	section("mqtt", !reflect.DeepEqual(oldCfg.MQTT, newCfg.MQTT),
		logx.Bool("mqtt.enabled", newCfg.MQTT != nil),
		logx.Bool("mqtt.broker_changed", oldBroker != newBroker))

	section("pprof", !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof),
		logx.Bool("pprof.enabled", newCfg.Pprof != nil))

	section("relations", !reflect.DeepEqual(oldCfg.Relations, newCfg.Relations),
		logx.Int("relations.subjects", len(newCfg.Relations.Subjects)),
		logx.Int("relations.observers", len(newCfg.Relations.Observers)),
		logx.Int("relations.pairs", len(newCfg.Relations.Pairs)))

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports the changed sections that only take effect after
// a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "liveness", "validator", "http", "mqtt", "pprof":
			out = append(out, s)
		}
	}
	return out
}
