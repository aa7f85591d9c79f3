// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cursor coordination
	CursorCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nakadi",
			Subsystem: "cursors",
			Name:      "commits_total",
			Help:      "Per-partition cursor commit outcomes.",
		},
		[]string{"result"},
	)
	SubscriptionBootstraps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nakadi",
		Subsystem: "cursors",
		Name:      "bootstraps_total",
		Help:      "Subscriptions whose cursors were initialized.",
	})
	LockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nakadi",
			Subsystem: "coordination",
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring coordination locks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"backend", "outcome"},
	)

	// Delivery
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nakadi",
		Subsystem: "delivery",
		Name:      "sessions_active",
		Help:      "Stream sessions currently delivering.",
	})
	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nakadi",
			Subsystem: "delivery",
			Name:      "sessions_finished_total",
			Help:      "Stream sessions by terminal state.",
		},
		[]string{"state"},
	)
	BatchesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nakadi",
			Subsystem: "delivery",
			Name:      "batches_sent_total",
			Help:      "Batches written to consumers.",
		},
		[]string{"kind"},
	)
	EventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nakadi",
		Subsystem: "delivery",
		Name:      "events_sent_total",
		Help:      "Events written to consumers.",
	})

	// Publishing and retention
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nakadi",
			Subsystem: "topics",
			Name:      "events_published_total",
			Help:      "Events accepted by the topic store.",
		},
		[]string{"stream"},
	)
	EventsTrimmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nakadi",
			Subsystem: "topics",
			Name:      "events_trimmed_total",
			Help:      "Events removed by retention.",
		},
		[]string{"stream"},
	)

	// Storage
	storageOps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nakadi",
			Subsystem: "storage",
			Name:      "op_seconds",
			Help:      "Pebble operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		},
		[]string{"op"},
	)
	storageBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nakadi",
			Subsystem: "storage",
			Name:      "bytes_total",
			Help:      "Bytes moved through Pebble.",
		},
		[]string{"op"},
	)
)

// StorageHook feeds Pebble observations into the storage collectors. It
// satisfies pebblestore.MetricsHook.
type StorageHook struct{}

func (StorageHook) ObserveWrite(elapsed time.Duration, bytes int) {
	observeStorage("write", elapsed, bytes)
}

func (StorageHook) ObserveRead(elapsed time.Duration, bytes int) {
	observeStorage("read", elapsed, bytes)
}

func (StorageHook) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	observeStorage("commit", elapsed, bytes)
}

func observeStorage(op string, elapsed time.Duration, bytes int) {
	storageOps.WithLabelValues(op).Observe(elapsed.Seconds())
	storageBytes.WithLabelValues(op).Add(float64(bytes))
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
