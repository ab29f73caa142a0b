// Package aspectimpl provides the built-in AOP-style cross-cutting hooks
// (design §9): Metrics, SubscriptionValidator, RoutingValidator, DebugLog.
// Each adapts one of the teacher's builtin/aspect hooks to the I3X domain.
package aspectimpl

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bittoy/i3x/types"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "i3x",
			Subsystem: "datasource",
			Name:      "operations_total",
			Help:      "Total data-source updates observed, by source.",
		},
		[]string{"source"},
	)
	operationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "i3x",
			Subsystem: "datasource",
			Name:      "operation_errors_total",
			Help:      "Total data-source update failures, by source.",
		},
		[]string{"source"},
	)
	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "i3x",
			Subsystem: "subscription",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent computing and delivering one subscription update.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(operationsTotal, operationErrorsTotal, dispatchDuration)
}

// Metrics is a types.DataSourceAspect that counts every observed update and
// times each dispatch, adapted from the teacher's engine/metrics.go +
// implicit MetricsAspect wiring (there the counters live directly in the
// engine package; here they are promoted to a standalone aspect so any
// data source can opt in via types.Config.WithDataSourceAspects).
type Metrics struct {
	sourceName string
}

// NewMetrics builds a Metrics aspect labeled with sourceName.
func NewMetrics(sourceName string) *Metrics {
	return &Metrics{sourceName: sourceName}
}

func (m *Metrics) Order() int { return 100 }

func (m *Metrics) New() types.Aspect {
	return &Metrics{sourceName: m.sourceName}
}

func (m *Metrics) BeforeUpdate(ctx context.Context, sourceName string, instance types.ObjectInstance, record types.Record) {
	operationsTotal.WithLabelValues(sourceName).Inc()
}

func (m *Metrics) AfterUpdate(ctx context.Context, sourceName string, instance types.ObjectInstance, record types.Record, err error) {
	if err != nil {
		operationErrorsTotal.WithLabelValues(sourceName).Inc()
	}
}

// ObserveDispatch records how long one subscription dispatch took. Call
// with defer ObserveDispatch(time.Now()) around subscription.Engine.Dispatch.
func ObserveDispatch(start time.Time) {
	dispatchDuration.Observe(time.Since(start).Seconds())
}

var _ types.DataSourceAspect = (*Metrics)(nil)
