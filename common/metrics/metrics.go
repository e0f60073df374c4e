package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	RunsStarted          prometheus.Counter
	RunsFinished         *prometheus.CounterVec
	ActivitiesDispatched prometheus.Counter
	ActivityDuration     prometheus.Histogram
	EventsAppended       prometheus.Counter
	PayloadsSpilled      prometheus.Counter
}

// New registers and returns the engine collectors under the given namespace
func New(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Workflow runs created.",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Workflow runs reaching a terminal status.",
		}, []string{"status"}),
		ActivitiesDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_dispatched_total",
			Help:      "Node activities dispatched by the scheduler.",
		}),
		ActivityDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activity_duration_seconds",
			Help:      "Wall time of node activities across attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		EventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_events_appended_total",
			Help:      "Trace events appended to the execution store.",
		}),
		PayloadsSpilled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_spilled_total",
			Help:      "Node I/O payloads moved to blob storage.",
		}),
	}
}
