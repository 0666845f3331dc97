// Scribe is an audio transcription service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsSubmitted   *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	jobsRunning     prometheus.Gauge
	queueDepth      prometheus.Gauge
	jobDuration     *prometheus.HistogramVec
	progressEvents  prometheus.Counter
	eventsPublished *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	cacheInvalidate prometheus.Counter
	rateLimited     *prometheus.CounterVec
	quotaRejected   prometheus.Counter
	uploadChunks    prometheus.Counter
	uploadBytes     prometheus.Counter
	activeSessions  prometheus.Gauge
	wsConnections   prometheus.Gauge
	wsResyncs       prometheus.Counter
	slotsBusy       prometheus.Gauge
	anomalies       *prometheus.CounterVec
)

// Anomaly kinds recorded by the record layer. These are silently
// ignored at the call site and surfaced only here.
const (
	AnomalyDuplicateTerminal = "duplicate_terminal"
	AnomalyStaleProgress     = "stale_progress"
	AnomalyWorkerPanic       = "worker_panic"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobSubmitted records an accepted job by submission source
// (direct, upload, batch).
func IncJobSubmitted(source string) {
	label := sanitizeLabel(source, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsSubmitted != nil {
		jobsSubmitted.WithLabelValues(label).Inc()
	}
}

// ObserveJobFinished records a terminal transition and the job's run
// duration. kind is the failure kind, empty for completed/cancelled.
func ObserveJobFinished(status, kind string, duration time.Duration) {
	labelStatus := sanitizeLabel(status, "unknown")
	labelKind := sanitizeLabel(kind, "none")

	mu.RLock()
	defer mu.RUnlock()
	if jobsFinished != nil {
		jobsFinished.WithLabelValues(labelStatus, labelKind).Inc()
	}
	if jobDuration != nil {
		jobDuration.WithLabelValues(labelStatus).Observe(durationSeconds(duration))
	}
}

// SetJobsRunning updates the running jobs gauge.
func SetJobsRunning(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsRunning != nil {
		jobsRunning.Set(float64(n))
	}
}

// SetQueueDepth updates the pending jobs gauge.
func SetQueueDepth(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.Set(float64(n))
	}
}

// IncProgressEvent counts one recorded progress update.
func IncProgressEvent() {
	mu.RLock()
	defer mu.RUnlock()
	if progressEvents != nil {
		progressEvents.Inc()
	}
}

// IncEventPublished counts one event published on the bus.
func IncEventPublished(kind string) {
	label := sanitizeLabel(kind, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if eventsPublished != nil {
		eventsPublished.WithLabelValues(label).Inc()
	}
}

// AddEventsDropped counts events dropped on subscriber backpressure.
func AddEventsDropped(n int) {
	if n <= 0 {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if eventsDropped != nil {
		eventsDropped.Add(float64(n))
	}
}

// IncCacheHit counts a cache hit for an endpoint class.
func IncCacheHit(class string) {
	label := sanitizeLabel(class, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if cacheHits != nil {
		cacheHits.WithLabelValues(label).Inc()
	}
}

// IncCacheMiss counts a cache miss for an endpoint class.
func IncCacheMiss(class string) {
	label := sanitizeLabel(class, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if cacheMisses != nil {
		cacheMisses.WithLabelValues(label).Inc()
	}
}

// AddCacheInvalidations counts entries removed by tag invalidation.
func AddCacheInvalidations(n int) {
	if n <= 0 {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if cacheInvalidate != nil {
		cacheInvalidate.Add(float64(n))
	}
}

// IncRateLimited counts a request rejected by the sliding-window
// limiter for an endpoint class.
func IncRateLimited(class string) {
	label := sanitizeLabel(class, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if rateLimited != nil {
		rateLimited.WithLabelValues(label).Inc()
	}
}

// IncQuotaRejected counts a call rejected by an API key's quota ledger.
func IncQuotaRejected() {
	mu.RLock()
	defer mu.RUnlock()
	if quotaRejected != nil {
		quotaRejected.Inc()
	}
}

// ObserveChunk counts one accepted upload chunk and its size.
func ObserveChunk(bytes int64) {
	mu.RLock()
	defer mu.RUnlock()
	if uploadChunks != nil {
		uploadChunks.Inc()
	}
	if uploadBytes != nil && bytes > 0 {
		uploadBytes.Add(float64(bytes))
	}
}

// SetActiveSessions updates the open upload sessions gauge.
func SetActiveSessions(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if activeSessions != nil {
		activeSessions.Set(float64(n))
	}
}

// AddWSConnections adjusts the connected WebSocket clients gauge.
func AddWSConnections(delta int) {
	mu.RLock()
	defer mu.RUnlock()
	if wsConnections != nil {
		wsConnections.Add(float64(delta))
	}
}

// IncWSResync counts a lagging subscription told to resync.
func IncWSResync() {
	mu.RLock()
	defer mu.RUnlock()
	if wsResyncs != nil {
		wsResyncs.Inc()
	}
}

// SetSlotsBusy updates the busy worker slots gauge.
func SetSlotsBusy(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if slotsBusy != nil {
		slotsBusy.Set(float64(n))
	}
}

// IncAnomaly counts an invariant violation absorbed by the record
// layer (duplicate terminal transition, stale progress sequence).
func IncAnomaly(kind string) {
	label := sanitizeLabel(kind, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if anomalies != nil {
		anomalies.WithLabelValues(label).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "jobs_submitted_total",
		Help:      "Total jobs accepted, grouped by submission source.",
	}, []string{"source"})

	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "jobs_finished_total",
		Help:      "Total terminal job transitions by status and failure kind.",
	}, []string{"status", "kind"})

	running := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "jobs_running",
		Help:      "Jobs currently in the running state.",
	})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "queue_depth",
		Help:      "Jobs currently pending dispatch.",
	})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration of finished jobs by terminal status.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"status"})

	progress := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "progress_updates_total",
		Help:      "Progress updates recorded after throttling.",
	})

	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "events_published_total",
		Help:      "Events published on the bus by kind.",
	}, []string{"kind"})

	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "events_dropped_total",
		Help:      "Events dropped on subscriber backpressure.",
	})

	hits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "cache_hits_total",
		Help:      "Cache hits by endpoint class.",
	}, []string{"class"})

	misses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "cache_misses_total",
		Help:      "Cache misses by endpoint class.",
	}, []string{"class"})

	invalidated := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "cache_invalidations_total",
		Help:      "Cache entries removed by tag invalidation.",
	})

	limited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the sliding-window limiter by class.",
	}, []string{"class"})

	quota := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "quota_rejected_total",
		Help:      "Calls rejected by API key quota ledgers.",
	})

	chunks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "upload_chunks_total",
		Help:      "Upload chunks accepted.",
	})

	bytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "upload_bytes_total",
		Help:      "Upload bytes accepted.",
	})

	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "upload_sessions_active",
		Help:      "Unsealed upload sessions currently open.",
	})

	wsConns := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "ws_connections",
		Help:      "Connected WebSocket clients.",
	})

	resyncs := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "ws_resyncs_total",
		Help:      "Lagging subscriptions sent a resync_required message.",
	})

	busy := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "worker_slots_busy",
		Help:      "Worker slots currently running a subprocess.",
	})

	anomalyVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "core",
		Name:      "anomalies_total",
		Help:      "Invariant violations absorbed by the record layer.",
	}, []string{"kind"})

	registry.MustRegister(submitted, finished, running, depth, duration,
		progress, published, dropped, hits, misses, invalidated, limited,
		quota, chunks, bytes, sessions, wsConns, resyncs, busy, anomalyVec)

	reg = registry
	jobsSubmitted = submitted
	jobsFinished = finished
	jobsRunning = running
	queueDepth = depth
	jobDuration = duration
	progressEvents = progress
	eventsPublished = published
	eventsDropped = dropped
	cacheHits = hits
	cacheMisses = misses
	cacheInvalidate = invalidated
	rateLimited = limited
	quotaRejected = quota
	uploadChunks = chunks
	uploadBytes = bytes
	activeSessions = sessions
	wsConnections = wsConns
	wsResyncs = resyncs
	slotsBusy = busy
	anomalies = anomalyVec
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
