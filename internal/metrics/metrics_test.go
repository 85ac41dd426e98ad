package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/download-queue/pkg/types"
)

func TestNewCollector_RegistersEverything(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	require.NotNil(t, c)

	// vectors only appear once a label set is used
	c.RecordTransition(types.StatusQueued, types.StatusSearching)
	c.RecordFailure(types.ErrorNetwork)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"dlqueue_jobs_enqueued_total",
		"dlqueue_jobs_dispatched_total",
		"dlqueue_transitions_total",
		"dlqueue_failures_total",
		"dlqueue_dead_lettered_total",
		"dlqueue_source_failures_total",
		"dlqueue_slow_transfers_total",
		"dlqueue_notifications_dropped_total",
		"dlqueue_queue_depth",
		"dlqueue_active_dispatches",
		"dlqueue_blocked_sources",
		"dlqueue_recovery_seconds",
		"dlqueue_dispatch_duration_seconds",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestCounters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	for i := 0; i < 5; i++ {
		c.RecordEnqueue()
	}
	c.RecordDispatch()
	c.RecordTransition(types.StatusFailed, types.StatusDeadLetter)
	c.RecordTransition(types.StatusFailed, types.StatusDeadLetter)
	c.RecordFailure(types.ErrorRateLimit)
	c.RecordSourceFailure()
	c.RecordSlowTransfer()
	c.RecordNotificationDropped()

	assert.Equal(t, 5.0, testutil.ToFloat64(c.jobsEnqueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsDispatched))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("failed", "dead_letter")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.deadLettered))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("rate_limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sourceFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.slowTransfers))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notificationsDrops))
}

func TestGauges(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.UpdateQueueStats(12, 3)
	c.SetBlockedSources(4)
	c.SetRecoveryTime(1500 * time.Millisecond)
	c.ObserveDispatch(200 * time.Millisecond)

	assert.Equal(t, 12.0, testutil.ToFloat64(c.queueDepth))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.activeDispatches))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.blockedSources))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordEnqueue()
		c.RecordDispatch()
		c.ObserveDispatch(time.Second)
		c.RecordTransition(types.StatusQueued, types.StatusSearching)
		c.RecordFailure(types.ErrorUnknown)
		c.RecordSourceFailure()
		c.RecordSlowTransfer()
		c.RecordNotificationDropped()
		c.UpdateQueueStats(1, 1)
		c.SetBlockedSources(1)
		c.SetRecoveryTime(time.Second)
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordEnqueue()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dlqueue_jobs_enqueued_total 1")
}
