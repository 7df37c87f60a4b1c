package runner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/apimachinery/pkg/runtime/schema"

	modelv1 "github.com/GoogleCloudPlatform/finalize-runner/pkg/api/v1"
)

// Handler outcome label values.
const (
	OutcomeFinalized = "finalized"
	OutcomeRetry     = "retry"
	OutcomeError     = "error"
)

// Metrics is the sink the runner reports to. Calls are fire-and-forget.
type Metrics interface {
	// ParentSyncError counts a failed finalize attempt for one parent.
	ParentSyncError(gvk schema.GroupVersionKind, id modelv1.ObjectID)
	// HandlerDuration records how long a handler invocation took.
	HandlerDuration(gvk schema.GroupVersionKind, outcome string, d time.Duration)
}

// PrometheusMetrics implements Metrics with Prometheus collectors.
type PrometheusMetrics struct {
	parentSyncErrors *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
}

var _ Metrics = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics registers the runner collectors with registerer, or
// with the default registerer when nil. Registering twice with the same
// registerer panics.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	return &PrometheusMetrics{
		parentSyncErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "finalize_runner",
				Name:      "parent_sync_errors_total",
				Help:      "Total number of failed finalize attempts per parent",
			},
			[]string{"kind", "namespace", "name"},
		),
		handlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "finalize_runner",
				Name:      "handler_duration_seconds",
				Help:      "Duration of finalize handler invocations",
				Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"kind", "outcome"},
		),
	}
}

func (m *PrometheusMetrics) ParentSyncError(gvk schema.GroupVersionKind, id modelv1.ObjectID) {
	m.parentSyncErrors.WithLabelValues(gvk.GroupKind().String(), id.Namespace, id.Name).Inc()
}

func (m *PrometheusMetrics) HandlerDuration(gvk schema.GroupVersionKind, outcome string, d time.Duration) {
	m.handlerDuration.WithLabelValues(gvk.GroupKind().String(), outcome).Observe(d.Seconds())
}

type noopMetrics struct{}

func (noopMetrics) ParentSyncError(schema.GroupVersionKind, modelv1.ObjectID)       {}
func (noopMetrics) HandlerDuration(schema.GroupVersionKind, string, time.Duration) {}
