// Package metrics exposes Prometheus collectors for the tracker. Collectors
// are created once and registered explicitly so tests can build as many
// components as they like without duplicate registration panics.
package metrics

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tasktrack"

var (
	// PollRequests counts task list fetches by mode (indicator, silent,
	// manual, cleanup) and result (ok, error).
	PollRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "requests_total",
		Help:      "Task list fetches issued by the polling synchronizer.",
	}, []string{"mode", "result"})

	// PollLatency observes task list round trips.
	PollLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "request_duration_seconds",
		Help:      "Latency of task list fetches.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"mode"})

	// PushMessages counts push channel messages by type and outcome.
	PushMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "messages_total",
		Help:      "Messages received on the push channel.",
	}, []string{"type", "result"})

	// PushReconnects counts scheduled and abandoned reconnects.
	PushReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "reconnects_total",
		Help:      "Reconnect decisions taken by the push channel manager.",
	}, []string{"outcome"})

	// PushState reports the current connection state as an enum gauge.
	PushState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "state",
		Help:      "Push channel state: 0 disconnected, 1 connecting, 2 connected, 3 reconnect scheduled.",
	})

	// ReconcileDecisions counts merge outcomes by source channel.
	ReconcileDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "decisions_total",
		Help:      "Reconciliation decisions by source and outcome.",
	}, []string{"source", "decision"})

	// StoreFailures counts swallowed persistence errors.
	StoreFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "failures_total",
		Help:      "Best-effort persistence operations that failed.",
	}, []string{"op"})
)

var registerMu sync.Mutex

func all() []prometheus.Collector {
	return []prometheus.Collector{
		PollRequests,
		PollLatency,
		PushMessages,
		PushReconnects,
		PushState,
		ReconcileDecisions,
		StoreFailures,
	}
}

// Register adds the tracker collectors and the Go runtime collector to reg.
// Registering the same collectors twice is not an error.
func Register(reg prometheus.Registerer) error {
	registerMu.Lock()
	defer registerMu.Unlock()

	var errs []error
	for _, c := range append(all(), collectors.NewGoCollector()) {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler serves the collectors registered on reg in the Prometheus text
// exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
