package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lifeguard/internal/alert"
	"lifeguard/internal/clock"
	"lifeguard/internal/delivery"
	"lifeguard/internal/liveness"
	"lifeguard/internal/storage"
	logx "lifeguard/pkg/logx"
)

type inbox struct {
	name string

	mu     sync.Mutex
	levels []alert.Level
}

func (c *inbox) Name() string { return c.name }

func (c *inbox) Send(_ context.Context, to delivery.Recipient, _ string) error {
	c.mu.Lock()
	c.levels = append(c.levels, to.Level)
	c.mu.Unlock()
	return nil
}

func (c *inbox) received() []alert.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alert.Level(nil), c.levels...)
}

// newDeliveryFixture wires the engine to a real dispatcher whose push tier
// is push.
func newDeliveryFixture(t *testing.T, push *inbox) *fixture {
	t.Helper()
	return newFixtureWith(t, t0, relations(), func(clk *clock.Fake, store *storage.Memory) Dispatcher {
		return delivery.New(delivery.Config{RatePerSec: 1000, Burst: 100}, delivery.Deps{
			Queue:    store,
			Attempts: store,
			Clock:    clk,
			Log:      logx.Nop(),
		}, push)
	})
}

func TestEscalationTimelineThroughDispatcher(t *testing.T) {
	push := &inbox{name: alert.TierPush}
	f := newDeliveryFixture(t, push)
	f.signal(t, t0)

	steps := []struct {
		after    time.Duration
		received int
	}{
		{23 * time.Hour, 0},
		{24 * time.Hour, 1},
		{30 * time.Hour, 1},
		{48 * time.Hour, 2},
		{72 * time.Hour, 3},
		{75 * time.Hour, 3},
		{78 * time.Hour, 4},
		{80 * time.Hour, 4},
		{84 * time.Hour, 5},
	}
	for _, s := range steps {
		f.cycleAt(t, t0.Add(s.after))
		require.Len(t, push.received(), s.received, "after %s", s.after)
	}
	assert.Equal(t, []alert.Level{alert.Warning, alert.Danger, alert.Emergency, alert.Emergency, alert.Emergency}, push.received())
	assert.Equal(t, 5, f.state(t, "o1").NotificationCount)

	n, err := f.store.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReescalationWithinEpisodeIsDelivered(t *testing.T) {
	push := &inbox{name: alert.TierPush}
	f := newDeliveryFixture(t, push)
	f.signal(t, t0)

	f.cycleAt(t, t0.Add(25*time.Hour))
	f.cycleAt(t, t0.Add(49*time.Hour))
	require.Len(t, push.received(), 2)

	// A delayed motion event, still newer than the stored one, pulls the pair
	// back to warning without ending the episode.
	res, err := f.eng.Ingest(context.Background(), liveness.Signal{SubjectID: "s1", Timestamp: t0.Add(20 * time.Hour), Source: liveness.SourceMotion})
	require.NoError(t, err)
	require.Equal(t, IngestAccepted, res.Outcome)
	require.Equal(t, alert.Warning, f.state(t, "o1").CurrentLevel)

	f.cycleAt(t, t0.Add(69*time.Hour))
	st := f.state(t, "o1")
	assert.Equal(t, alert.Danger, st.CurrentLevel)
	assert.Equal(t, 3, st.NotificationCount)
	assert.Equal(t, []alert.Level{alert.Warning, alert.Danger, alert.Danger}, push.received())
}
