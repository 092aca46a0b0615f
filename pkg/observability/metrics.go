// Package observability exposes the daemon's Prometheus metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JournalAppends counts committed journal entries by type.
var JournalAppends = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aim",
	Subsystem: "journal",
	Name:      "appends_total",
	Help:      "Committed journal entries by entry type.",
}, []string{"type"})

// JournalHalted is 1 while the journal refuses writes after an integrity
// failure.
var JournalHalted = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "aim",
	Subsystem: "journal",
	Name:      "write_halted",
	Help:      "1 when journal writes are halted after a chain integrity failure.",
})

// MintsTotal counts pipeline outcomes.
var MintsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aim",
	Subsystem: "mint",
	Name:      "jobs_total",
	Help:      "Scored jobs by outcome (minted, rejected).",
}, []string{"outcome"})

// MintedMicro sums minted value.
var MintedMicro = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "aim",
	Subsystem: "mint",
	Name:      "minted_micro_total",
	Help:      "Total minted value in micro units.",
})

// DisputesTotal counts dispute resolutions.
var DisputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aim",
	Subsystem: "dispute",
	Name:      "resolutions_total",
	Help:      "Dispute resolutions by outcome (upheld, rejected).",
}, []string{"outcome"})

// CheckpointsTotal counts checkpoint lifecycle events.
var CheckpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aim",
	Subsystem: "translog",
	Name:      "checkpoints_total",
	Help:      "Checkpoint lifecycle events (created, completed, published).",
}, []string{"event"})

// DemurrageSweptMicro sums demurrage charged per sweep.
var DemurrageSweptMicro = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "aim",
	Subsystem: "demurrage",
	Name:      "swept_micro_total",
	Help:      "Total demurrage charged in micro units.",
})

// HTTPRequests counts API requests by route and status class.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aim",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "API requests by route and status class.",
}, []string{"route", "status"})

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
