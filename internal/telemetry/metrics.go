// Package telemetry holds the process-wide prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	PollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmgroups",
			Name:      "poll_cycles_total",
			Help:      "Poll cycles by result.",
		},
		[]string{"result"},
	)

	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "swarmgroups",
			Name:      "poll_duration_seconds",
			Help:      "Duration of a poll cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmgroups",
			Name:      "messages_total",
			Help:      "Retrieved group messages by outcome.",
		},
		[]string{"outcome"},
	)

	MembershipOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmgroups",
			Name:      "membership_ops_total",
			Help:      "Membership operations by op and result.",
		},
		[]string{"op", "result"},
	)

	Jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmgroups",
			Name:      "jobs_total",
			Help:      "Supervised jobs by name and result.",
		},
		[]string{"name", "result"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "swarmgroups",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(PollCycles, PollDuration, Messages, MembershipOps, Jobs, uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Result maps an error to a metric label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
