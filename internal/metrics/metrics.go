// Package metrics holds the prometheus collectors shared by viewer sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveTransports = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveview_active_transports",
		Help: "Number of open peer transports",
	})
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveview_live_sessions",
		Help: "Number of sessions currently in Live state",
	})
)

// Counters
var (
	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveview_sessions_started_total",
		Help: "Total session requests accepted",
	})
	SessionsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveview_sessions_failed_total",
		Help: "Total failed negotiation attempts by error kind",
	}, []string{"kind"})
	StaleResultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveview_stale_results_total",
		Help: "Negotiation results discarded because their generation was superseded",
	})
	TracksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveview_tracks_received_total",
		Help: "Total remote tracks received by kind",
	}, []string{"kind"})
	SignalingExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveview_signaling_exchanges_total",
		Help: "Total signaling exchanges by transport and outcome",
	}, []string{"transport", "outcome"})
)

// Histograms
var (
	NegotiationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "liveview_negotiation_duration_ms",
		Help:    "Time from session request to Live in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000},
	})
)
