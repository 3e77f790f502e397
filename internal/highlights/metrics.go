package highlights

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayhighlight",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store actor requests by operation and result.",
		},
		[]string{"op", "result"},
	)

	saveAllDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relayhighlight",
			Subsystem: "store",
			Name:      "save_all_duration_seconds",
			Help:      "Latency of a full chunked collection write.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	collectionSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relayhighlight",
			Subsystem: "store",
			Name:      "highlights",
			Help:      "Highlights in the committed collection.",
		},
	)

	chunkMismatchTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayhighlight",
			Subsystem: "store",
			Name:      "manifest_mismatch_total",
			Help:      "Loads whose record count differed from the manifest total.",
		},
	)

	mergeRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayhighlight",
			Subsystem: "merge",
			Name:      "records_total",
			Help:      "Incoming records by merge outcome.",
		},
		[]string{"outcome"},
	)

	backupRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayhighlight",
			Subsystem: "backup",
			Name:      "runs_total",
			Help:      "Mirror backup attempts by result.",
		},
		[]string{"result"},
	)

	notionPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayhighlight",
			Subsystem: "notion",
			Name:      "pages_total",
			Help:      "Notes database pages touched by sync, by action.",
		},
		[]string{"action"},
	)

	busDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayhighlight",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		},
	)
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
