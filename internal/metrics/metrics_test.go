package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(signalsTotal.WithLabelValues("accepted"))
	Signal("accepted")
	Signal("accepted")
	require.Equal(t, before+2, testutil.ToFloat64(signalsTotal.WithLabelValues("accepted")))

	DeliveryAttempt("sms", "failed")
	require.GreaterOrEqual(t, testutil.ToFloat64(deliveryAttemptsTotal.WithLabelValues("sms", "failed")), 1.0)

	QueueDepth(7)
	require.Equal(t, 7.0, testutil.ToFloat64(queueDepth))

	CycleDuration(20 * time.Millisecond)
	require.Equal(t, 1, testutil.CollectAndCount(cycleDuration))
}
