package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayhighlight",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route template and status.",
		},
		[]string{"route", "method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayhighlight",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route template.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	eventStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relayhighlight",
			Subsystem: "http",
			Name:      "event_streams",
			Help:      "Open /v1/events websocket connections.",
		},
	)
)
