package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordDownload_CountsBytesOnlyOnSuccess(t *testing.T) {
	before := testutil.ToFloat64(downloadBytesTotal.WithLabelValues("music"))
	RecordDownload("music", "success", 1024)
	RecordDownload("music", "failure", 2048)

	assert.GreaterOrEqual(t, testutil.ToFloat64(downloadsTotal.WithLabelValues("music", "success")), float64(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(downloadsTotal.WithLabelValues("music", "failure")), float64(1))
	assert.Equal(t, before+1024, testutil.ToFloat64(downloadBytesTotal.WithLabelValues("music")))
}

func TestSetCircuitBreakerState_OnlyActiveStateIsOne(t *testing.T) {
	SetCircuitBreakerState("control", "open")

	assert.Equal(t, float64(1), testutil.ToFloat64(circuitBreakerState.WithLabelValues("control", "open")))
	assert.Equal(t, float64(0), testutil.ToFloat64(circuitBreakerState.WithLabelValues("control", "closed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(circuitBreakerState.WithLabelValues("control", "half-open")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(circuitBreakerTripsTotal.WithLabelValues("control")), float64(1))
}

func TestSetCircuitBreakerState_ClosedDoesNotCountAsTrip(t *testing.T) {
	before := testutil.ToFloat64(circuitBreakerTripsTotal.WithLabelValues("player"))
	SetCircuitBreakerState("player", "closed")
	after := testutil.ToFloat64(circuitBreakerTripsTotal.WithLabelValues("player"))
	assert.Equal(t, before, after)
}

func TestRecordDeviceSync_CountsOutcome(t *testing.T) {
	before := testutil.ToFloat64(deviceSyncsTotal.WithLabelValues("success"))
	RecordDeviceSync("success", 2*time.Second)
	after := testutil.ToFloat64(deviceSyncsTotal.WithLabelValues("success"))
	assert.Equal(t, before+1, after)
}

func TestSetQueueDepth_ReflectsLastValue(t *testing.T) {
	SetQueueDepth("ads", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(schedulerQueueDepth.WithLabelValues("ads")))

	SetQueueDepth("ads", 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(schedulerQueueDepth.WithLabelValues("ads")))
}
