package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lifeguard/internal/alert"
	"lifeguard/internal/clock"
	"lifeguard/internal/config"
	"lifeguard/internal/delivery"
	"lifeguard/internal/eventbus"
	"lifeguard/internal/liveness"
	"lifeguard/internal/monitor"
	logx "lifeguard/pkg/logx"
)

const appYAML = `
logging:
  level: error
storage:
  driver: memory
scheduler:
  interval: 1h
channels:
  log: push
relations:
  subjects:
    - id: grandma
      name: Eleanor
  observers:
    - id: sam
      name: Sam
  pairs:
    - subject: grandma
      observer: sam
`

func decodeCfg(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("lifeguard.yaml", []byte(body))
	require.NoError(t, err)
	return cfg
}

func TestMapPolicyConfig(t *testing.T) {
	t.Parallel()

	set, err := mapPolicyConfig(&config.Config{})
	require.NoError(t, err)
	th, ok := set.Default.Threshold(alert.Danger)
	require.True(t, ok)
	assert.Equal(t, 48*time.Hour, th)
	assert.Equal(t, 6*time.Hour, set.Default.RepeatInterval(alert.Emergency))

	set, err = mapPolicyConfig(&config.Config{Policy: config.PolicyConfig{
		Warning: "12h",
		Repeat:  map[string]string{"emergency": "0s", "danger": "24h"},
		Tiers:   map[string][]string{"warning": {"sms"}},
		Overrides: map[string]config.PolicyOverride{
			"grandma": {Emergency: "36h"},
		},
	}})
	require.NoError(t, err)
	assert.Zero(t, set.Default.RepeatInterval(alert.Emergency))
	assert.Equal(t, 24*time.Hour, set.Default.RepeatInterval(alert.Danger))
	assert.Equal(t, []string{"sms"}, set.Default.Tiers(alert.Warning))

	over := set.PolicyFor("grandma")
	w, _ := over.Threshold(alert.Warning)
	e, _ := over.Threshold(alert.Emergency)
	assert.Equal(t, 12*time.Hour, w, "override inherits the default warning")
	assert.Equal(t, 36*time.Hour, e)
}

func TestMapPolicyConfigRejects(t *testing.T) {
	t.Parallel()

	cases := map[string]config.PolicyConfig{
		"unordered":      {Warning: "72h", Emergency: "24h"},
		"repeat level":   {Repeat: map[string]string{"normal": "1h"}},
		"tier level":     {Tiers: map[string][]string{"critical": {"push"}}},
		"override order": {Overrides: map[string]config.PolicyOverride{"x": {Danger: "1h"}}},
		"bad duration":   {Danger: "two days"},
	}
	for name, pc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := mapPolicyConfig(&config.Config{Policy: pc})
			assert.Error(t, err)
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)

	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "SQLite3", Path: "x.db", BusyTimeout: "5s"}})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 5*time.Second, sc.BusyTimeout)

	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "postgres"}})
	assert.Error(t, err)
	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "bolt"}})
	assert.Error(t, err)
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()

	sc, err := mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{Interval: "30s", Timezone: "Europe/Berlin"}})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, sc.Interval)
	assert.Equal(t, "Europe/Berlin", sc.Location.String())

	_, err = mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{Interval: "100ms"}})
	assert.Error(t, err)
	_, err = mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{Timezone: "Mars/Olympus"}})
	assert.Error(t, err)
}

func TestCheckWarnsOnUnroutedTiers(t *testing.T) {
	t.Parallel()

	warnings, err := Check(decodeCfg(t, appYAML))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{`tier "sms" has no enabled channel`, `tier "dispatch" has no enabled channel`}, warnings)

	cfg := decodeCfg(t, appYAML)
	cfg.Policy.Warning = "96h"
	_, err = Check(cfg)
	assert.Error(t, err)
}

func TestBuildChannels(t *testing.T) {
	t.Parallel()

	chs, err := buildChannels(config.ChannelsConfig{
		SMS:      &config.SMSConfig{URL: "http://sms.local/send"},
		Dispatch: &config.DispatchConfig{URL: "http://dispatch.local/report"},
		Log:      "push",
	}, clock.Real{}, logx.Nop())
	require.NoError(t, err)
	var names []string
	for _, c := range chs {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"sms", "dispatch", "push"}, names)

	_, err = buildChannels(config.ChannelsConfig{SMS: &config.SMSConfig{URL: "http://sms.local"}, Log: "sms"}, nil, logx.Nop())
	assert.Error(t, err, "log channel may not shadow a real one")
}

type captureChannel struct {
	name string
	to   delivery.Recipient
	text string
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Send(_ context.Context, to delivery.Recipient, text string) error {
	c.to, c.text = to, text
	return nil
}

func TestOperatorChannelFollowsConfig(t *testing.T) {
	t.Parallel()

	op := newOperatorChannel()
	require.NoError(t, op.Send(context.Background(), delivery.Recipient{}, "ignored"), "no operator configured")

	sms := &captureChannel{name: "sms"}
	op.set([]delivery.Channel{sms}, &config.OperatorConfig{Channel: "sms", Phone: "+100"})
	require.NoError(t, op.Send(context.Background(), delivery.Recipient{Subject: delivery.Contact{ID: "grandma"}}, "alarm"))
	assert.Equal(t, "+100", sms.to.Observer.Phone)
	assert.Equal(t, "grandma", sms.to.Subject.ID)
	assert.Equal(t, "alarm", sms.text)

	op.set(nil, &config.OperatorConfig{Channel: "sms"})
	err := op.Send(context.Background(), delivery.Recipient{}, "alarm")
	assert.True(t, delivery.IsPermanent(err))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "lifeguard.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestAppLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	a, err := newApp(writeConfig(t, appYAML), clock.NewFake(now))
	require.NoError(t, err)
	require.Nil(t, a.http)
	require.Nil(t, a.mqtt)

	events, unsub := a.bus.Subscribe(64)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	res, err := a.Engine().Ingest(ctx, liveness.Signal{
		SubjectID: "grandma",
		Timestamp: now.Add(-25 * time.Hour),
		Source:    liveness.SourceMotion,
	})
	require.NoError(t, err)
	assert.Equal(t, monitor.IngestAccepted, res.Outcome)

	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-events:
				if e.Type == eventbus.AlertNotified {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 20*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	<-a.Done()
	assert.NoError(t, a.Err())
}

func TestApplyConfigSwapsRelations(t *testing.T) {
	a, err := newApp(writeConfig(t, appYAML), clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	defer func() { _ = a.store.Close() }()

	oldCfg := decodeCfg(t, appYAML)
	newCfg := decodeCfg(t, appYAML)
	newCfg.Relations.Pairs = nil
	newCfg.Channels.Log = "sms"

	a.applyConfig(oldCfg, newCfg)
	pairs, err := a.relations.ListActivePairs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pairs)

	st, err := a.Engine().SubjectStatus(context.Background(), "grandma")
	require.NoError(t, err, "subject is still known")
	assert.Empty(t, st)
}

func TestMapPprofConfig(t *testing.T) {
	t.Parallel()

	_, ok, err := mapPprofConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, ok)

	pc, ok, err := mapPprofConfig(&config.Config{Pprof: &config.PprofConfig{}})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, pc.Addr, "server falls back to loopback")

	_, _, err = mapPprofConfig(&config.Config{Pprof: &config.PprofConfig{Addr: ":6060"}})
	assert.Error(t, err)
	_, _, err = mapPprofConfig(&config.Config{Pprof: &config.PprofConfig{Addr: ":6060", Token: "t"}})
	assert.NoError(t, err)
}
