package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the service's Prometheus instruments
type Collector struct {
	CasesCreated     prometheus.Counter
	CasesResolved    prometheus.Counter
	Escalations      *prometheus.CounterVec
	Conflicts        prometheus.Counter
	ScanDuration     prometheus.Histogram
	Scans            *prometheus.CounterVec
	OpenCases        prometheus.Gauge
	CommentsRecorded prometheus.Counter
}

// NewCollector registers the service metrics with the given registerer
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		CasesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "grievance_cases_created_total",
			Help: "Total number of cases submitted",
		}),
		CasesResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "grievance_cases_resolved_total",
			Help: "Total number of cases resolved",
		}),
		Escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grievance_escalations_total",
			Help: "Total number of case escalations",
		}, []string{"trigger", "reason"}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "grievance_transition_conflicts_total",
			Help: "Total number of compare-and-swap conflicts on case transitions",
		}),
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "grievance_scan_duration_seconds",
			Help:    "Duration of escalation scan passes",
			Buckets: prometheus.DefBuckets,
		}),
		Scans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grievance_scans_total",
			Help: "Total number of escalation scan passes by outcome",
		}, []string{"outcome"}),
		OpenCases: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grievance_open_cases",
			Help: "Number of cases not yet resolved, closed or rejected",
		}),
		CommentsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "grievance_comments_total",
			Help: "Total number of comments appended to case timelines",
		}),
	}
}
