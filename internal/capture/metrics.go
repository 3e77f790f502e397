package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relayhighlight",
			Subsystem: "capture",
			Name:      "queue_depth",
			Help:      "Captures waiting in the offline queue, by hostname.",
		},
		[]string{"host"},
	)

	capturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayhighlight",
			Subsystem: "capture",
			Name:      "captures_total",
			Help:      "Captures by outcome (stored, queued, failed).",
		},
		[]string{"outcome"},
	)

	flushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayhighlight",
			Subsystem: "capture",
			Name:      "flushes_total",
			Help:      "Queue flush batches by result.",
		},
		[]string{"result"},
	)
)
