// Package metrics holds the Prometheus collectors for the broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatstream"

var (
	// Submissions counts submit calls.
	// Labels: outcome (accepted, throttled, invalid, unauthenticated, error)
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "submit",
		Name:      "requests_total",
		Help:      "Chat submissions by outcome",
	}, []string{"outcome"})

	// Attaches counts attach calls.
	// Labels: outcome (attached, unauthorized, conflict, error)
	Attaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "attach",
		Name:      "requests_total",
		Help:      "Stream attaches by outcome",
	}, []string{"outcome"})

	// LiveHandles tracks attached connections in this process.
	LiveHandles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "connections",
		Name:      "live_handles",
		Help:      "Connection handles currently bound",
	})

	// HandleTeardowns counts handle terminations.
	// Labels: state (completed, errored, timed_out)
	HandleTeardowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connections",
		Name:      "teardowns_total",
		Help:      "Connection handle teardowns by terminal state",
	}, []string{"state"})

	// Fragments counts fragments produced by workers.
	// Labels: delivery (forwarded, dropped). Forwarded means the fragment was
	// queued on a local handle or, across processes, published to at least
	// one serving process; it does not prove a client received it.
	Fragments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "fragments_total",
		Help:      "Content fragments handed to a local handle or the relay, or dropped",
	}, []string{"delivery"})

	// StreamsFinished counts worker deliveries.
	// Labels: outcome (completed, errored, duplicate, missing)
	StreamsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "finished_total",
		Help:      "Worker deliveries by outcome",
	}, []string{"outcome"})

	// StreamDuration measures upstream generation time.
	// Labels: outcome (completed, errored)
	StreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "duration_seconds",
		Help:      "Upstream generation duration in seconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"outcome"})

	// MalformedLines counts upstream lines that failed to parse.
	MalformedLines = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "malformed_lines_total",
		Help:      "Upstream stream lines skipped because they did not parse",
	})
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
