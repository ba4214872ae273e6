// Package metrics exposes the prometheus instrumentation for the player and
// scheduler daemons: bus health, download/eviction activity, device sync
// outcomes, circuit breaker state, and generator busy time. Grounded on the
// teacher's internal/metrics package style (promauto-registered vectors with
// small typed recording functions next to each metric).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	busPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundfleet_bus_publish_retries_total",
		Help: "Total number of bus publish attempts that had to be retried",
	}, []string{"channel"})

	busPublishStalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundfleet_bus_publish_stalls_total",
		Help: "Total number of stall reports from bus publishes still retrying (one per 50 empty attempts)",
	}, []string{"channel"})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundfleet_downloads_total",
		Help: "Total number of track downloads by track type and outcome",
	}, []string{"track_type", "outcome"})

	downloadBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundfleet_download_bytes_total",
		Help: "Total bytes written to disk by downloaded track type",
	}, []string{"track_type"})

	diskEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundfleet_disk_evictions_total",
		Help: "Total number of tracks evicted from the LRU download cache to free disk space",
	}, []string{"track_type"})

	diskFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "soundfleet_disk_free_bytes",
		Help: "Free bytes on the download directory's filesystem as of the last check",
	})

	deviceSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundfleet_device_syncs_total",
		Help: "Total number of device sync attempts by outcome",
	}, []string{"outcome"})

	deviceSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "soundfleet_device_sync_duration_seconds",
		Help:    "Time spent completing a full device sync (task submit through poll completion)",
		Buckets: prometheus.DefBuckets,
	})

	generatorBusyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "soundfleet_generator_busy_duration_seconds",
		Help:    "Time a track generator spent drawing and downloading a track",
		Buckets: prometheus.DefBuckets,
	}, []string{"track_type"})

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "soundfleet_circuit_breaker_state",
		Help: "Circuit breaker state by component (active state=1, others=0)",
	}, []string{"component", "state"})

	circuitBreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundfleet_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker transitions into the open state",
	}, []string{"component"})

	playerTracksPlayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundfleet_player_tracks_played_total",
		Help: "Total number of tracks the player has started playing, by track type",
	}, []string{"track_type"})

	schedulerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "soundfleet_scheduler_queue_depth",
		Help: "Number of tracks currently queued for playback, by queue",
	}, []string{"queue"})
)

var circuitStates = []string{"closed", "open", "half-open"}

// RecordBusPublishRetry counts a single retried publish attempt on channel.
func RecordBusPublishRetry(channel string) {
	busPublishRetries.WithLabelValues(channel).Inc()
}

// RecordBusPublishStall counts one stall report from a publish that is still
// retrying because the channel has no subscriber.
func RecordBusPublishStall(channel string) {
	busPublishStalls.WithLabelValues(channel).Inc()
}

// RecordDownload counts a finished download attempt and, on success, the
// number of bytes written.
func RecordDownload(trackType, outcome string, bytesWritten int64) {
	downloadsTotal.WithLabelValues(trackType, outcome).Inc()
	if outcome == "success" && bytesWritten > 0 {
		downloadBytesTotal.WithLabelValues(trackType).Add(float64(bytesWritten))
	}
}

// RecordDiskEviction counts a track evicted from the download cache.
func RecordDiskEviction(trackType string) {
	diskEvictionsTotal.WithLabelValues(trackType).Inc()
}

// SetDiskFreeBytes records the most recently observed free disk space.
func SetDiskFreeBytes(free uint64) {
	diskFreeBytes.Set(float64(free))
}

// RecordDeviceSync counts a device sync attempt and, when d is nonzero,
// observes its duration.
func RecordDeviceSync(outcome string, d time.Duration) {
	deviceSyncsTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		deviceSyncDuration.Observe(d.Seconds())
	}
}

// RecordGeneratorBusy observes how long a track generator spent drawing and
// downloading its next track.
func RecordGeneratorBusy(trackType string, d time.Duration) {
	generatorBusyDuration.WithLabelValues(trackType).Observe(d.Seconds())
}

// SetCircuitBreakerState records the active circuit breaker state for a
// component, suitable for direct use as a resilience.StateObserver once
// wrapped to stringify the state.
func SetCircuitBreakerState(component, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(component, s).Set(value)
	}
	if state == "open" {
		circuitBreakerTripsTotal.WithLabelValues(component).Inc()
	}
}

// RecordTrackPlayed counts a track the player has started playing.
func RecordTrackPlayed(trackType string) {
	playerTracksPlayedTotal.WithLabelValues(trackType).Inc()
}

// SetQueueDepth records the current depth of a scheduler queue ("music" or
// "ads").
func SetQueueDepth(queue string, depth int) {
	schedulerQueueDepth.WithLabelValues(queue).Set(float64(depth))
}
