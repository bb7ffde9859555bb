package reduce

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	merges              prometheus.Counter
	callPathEffects     prometheus.Counter
	traceFilesRewritten prometheus.Counter
	mergeDuration       prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		merges: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cctmerge_merges_total",
			Help: "Total number of profile merges.",
		}),
		callPathEffects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cctmerge_callpath_effects_total",
			Help: "Total number of call path ids renumbered by merges.",
		}),
		traceFilesRewritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cctmerge_trace_files_rewritten_total",
			Help: "Total number of trace files rewritten after a merge.",
		}),
		mergeDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "cctmerge_merge_duration_seconds",
			Help:    "Duration of a single profile merge, trace rewrites included.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}
