package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "lifeguard/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/lifeguard.db
policy:
  warning: 24h
  danger: 48h
  emergency: 72h
  repeat:
    emergency: 6h
scheduler:
  interval: 30s
channels:
  log: push
relations:
  subjects:
    - id: grandma
      name: Eleanor
  observers:
    - id: "1001"
      name: Sam
      quiet_start: "22:00"
      quiet_end: "07:00"
  pairs:
    - subject: grandma
      observer: "1001"
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("lifeguard.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "6h", cfg.Policy.Repeat["emergency"])
	require.Len(t, cfg.Relations.Observers, 1)
	assert.Equal(t, "1001", cfg.Relations.Observers[0].ID)
	assert.Equal(t, []string{"push"}, cfg.Channels.Names())
}

func TestDecodeSniffsFormat(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("settings.conf", []byte(`{"storage":{"driver":"memory"}}`))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)

	cfg, err = Decode("settings.conf", []byte("storage:\n  driver: memory\n"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown field", "c.json", `{"storage":{"driver":"memory","colour":"red"}}`, "colour"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad duration", "c.yaml", "policy:\n  warning: soon\n", "policy.warning"},
		{"bad driver", "c.yaml", "storage:\n  driver: mongo\n", "storage.driver"},
		{"sqlite needs path", "c.yaml", "storage:\n  driver: sqlite\n", "storage.path: required"},
		{"bad quiet hours", "c.yaml", "relations:\n  observers:\n    - id: o1\n      quiet_start: \"25:00\"\n      quiet_end: \"07:00\"\n", "HH:MM"},
		{"half quiet hours", "c.yaml", "relations:\n  observers:\n    - id: o1\n      quiet_start: \"22:00\"\n", "set together"},
		{"unknown pair subject", "c.yaml", "relations:\n  observers:\n    - id: o1\n  pairs:\n    - subject: ghost\n      observer: o1\n", `unknown subject "ghost"`},
		{"bad repeat level", "c.yaml", "policy:\n  repeat:\n    panic: 1h\n", "policy.repeat"},
		{"redis needs addr", "c.yaml", "liveness:\n  driver: redis\n", "liveness.redis.addr"},
		{"operator channel", "c.yaml", "channels:\n  operator:\n    channel: sms\n", "not an enabled channel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.file, []byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", "90s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)

	var p Durations
	assert.Equal(t, time.Second, p.Get("a", "1s", 0))
	p.Get("b", "nope", 0)
	p.Get("c", "also nope", 0)
	require.ErrorContains(t, p.Err(), "b:")
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := writeFile(t, t.TempDir(), "lifeguard.yaml", sampleYAML)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	changed, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	writeFile(t, filepath.Dir(path), "lifeguard.yaml", sampleYAML+"http:\n  enabled: true\n")
	changed, err = m.Reload(ctx)
	require.NoError(t, err)
	require.True(t, changed)

	got := <-sub
	assert.True(t, got.HTTP.Enabled)
	assert.Same(t, got, m.Get())
	m.Unsubscribe(sub)
}

func TestReloadRejectedKeepsCurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	path := writeFile(t, dir, "lifeguard.yaml", sampleYAML)
	m := NewManager(path)
	before, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	writeFile(t, dir, "lifeguard.yaml", sampleYAML+"http:\n  enabled: true\n")
	_, err = m.Reload(ctx)
	require.ErrorIs(t, err, assert.AnError)
	assert.Same(t, before, m.Get())

	writeFile(t, dir, "lifeguard.yaml", "storage: [")
	_, err = m.Reload(ctx)
	require.Error(t, err)
	assert.Same(t, before, m.Get())
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.yaml")
	sub := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-sub)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := writeFile(t, dir, "lifeguard.yaml", sampleYAML)
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	require.Eventually(t, func() bool {
		writeFile(t, dir, "lifeguard.yaml", sampleYAML+"http:\n  enabled: true\n")
		select {
		case got := <-sub:
			return got.HTTP.Enabled
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-done
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	sections, _ := SummarizeChange(oldCfg, newCfg)
	assert.Empty(t, sections)

	newCfg.Policy.Warning = "12h"
	newCfg.Storage.DSN = "postgres://secret@db/lifeguard"
	newCfg.Relations.Pairs = nil
	sections, attrs := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"policy", "relations", "storage"}, sections)
	assert.Equal(t, []string{"storage"}, RestartRequired(sections))
	var buf bytes.Buffer
	logx.NewWriter(&buf, "info").Info("config reloaded", attrs...)
	assert.Contains(t, buf.String(), `"storage.dsn_set":true`)
	assert.NotContains(t, buf.String(), "secret")
}
