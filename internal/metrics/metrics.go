// forgecache is a distributed, content-addressed, incrementally cached build execution engine.
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

// Package metrics exports the engine's Prometheus metrics from a private
// registry, mirroring the controller's own metrics package: a package
// singleton, a Reset for test isolation, and a Handler for the /metrics
// route.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	pipTransitions    *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	cacheLookupLength *prometheus.HistogramVec
	queueDepth        *prometheus.GaugeVec
	queueRunning      *prometheus.GaugeVec
	pinAttempts       *prometheus.CounterVec
	contentStoreOps   *prometheus.HistogramVec
)

func init() {
	resetLocked()
}

// Reset discards all recorded series and metric definitions. Intended
// for test isolation between independent builds in the same process.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	pipTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "forgecache_pip_transitions_total",
		Help: "Count of pip state transitions by kind and resulting state.",
	}, []string{"kind", "state"})

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "forgecache_cache_lookups_total",
		Help: "Count of cache lookups by outcome.",
	}, []string{"outcome"})

	cacheLookupLength = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forgecache_cache_lookup_duration_seconds",
		Help:    "Duration of a single cache-lookup phase.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"outcome"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forgecache_dispatcher_queue_depth",
		Help: "Number of pips currently queued per dispatcher queue.",
	}, []string{"queue"})

	queueRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forgecache_dispatcher_queue_running",
		Help: "Number of pips currently running per dispatcher queue.",
	}, []string{"queue"})

	pinAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "forgecache_pin_attempts_total",
		Help: "Count of content-store pin attempts by outcome.",
	}, []string{"outcome"})

	contentStoreOps = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forgecache_contentstore_operation_duration_seconds",
		Help:    "Duration of content-store operations.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"op", "outcome"})

	reg.MustRegister(pipTransitions, cacheLookups, cacheLookupLength, queueDepth, queueRunning, pinAttempts, contentStoreOps)
}

// Handler returns an http.Handler serving the registry in Prometheus
// exposition format.
func Handler() http.Handler {
	mu.RLock()
	defer mu.RUnlock()
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RecordPipTransition increments the transition counter for a pip kind
// reaching a new state.
func RecordPipTransition(kind, state string) {
	mu.RLock()
	defer mu.RUnlock()
	pipTransitions.WithLabelValues(kind, state).Inc()
}

// RecordCacheLookup records a cache-lookup outcome and its duration.
func RecordCacheLookup(outcome string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	cacheLookups.WithLabelValues(outcome).Inc()
	cacheLookupLength.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetQueueDepth sets the current queued-pip count for a named queue.
func SetQueueDepth(queue string, n int) {
	mu.RLock()
	defer mu.RUnlock()
	queueDepth.WithLabelValues(queue).Set(float64(n))
}

// SetQueueRunning sets the current running-pip count for a named queue.
func SetQueueRunning(queue string, n int) {
	mu.RLock()
	defer mu.RUnlock()
	queueRunning.WithLabelValues(queue).Set(float64(n))
}

// RecordPinAttempt increments the pin-attempt counter for an outcome.
func RecordPinAttempt(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	pinAttempts.WithLabelValues(outcome).Inc()
}

// RecordContentStoreOp records a content-store operation's duration.
func RecordContentStoreOp(op, outcome string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	contentStoreOps.WithLabelValues(op, outcome).Observe(d.Seconds())
}
