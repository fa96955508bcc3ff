package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric instrument names.
const (
	metricQueued   = "cardindex.pipeline.items.queued"
	metricDeduped  = "cardindex.pipeline.items.deduplicated"
	metricExecuted = "cardindex.pipeline.items.executed"
	metricFailed   = "cardindex.pipeline.items.failed"
	metricRetried  = "cardindex.pipeline.items.retried"
	metricExpired  = "cardindex.pipeline.items.expired"
	metricDepth    = "cardindex.pipeline.depth"
)

type metrics struct {
	queued   metric.Int64Counter
	deduped  metric.Int64Counter
	executed metric.Int64Counter
	failed   metric.Int64Counter
	retried  metric.Int64Counter
	expired  metric.Int64Counter
}

// newMetrics registers the pipeline instruments on meter, or on the
// global provider when meter is nil. Registration errors leave a no-op
// instrument in place.
func newMetrics(meter metric.Meter, m *Manager) *metrics {
	if meter == nil {
		meter = otel.Meter("cardindex/pipeline")
	}
	ms := &metrics{}
	ms.queued, _ = meter.Int64Counter(metricQueued,
		metric.WithDescription("Work items accepted onto the queue"),
		metric.WithUnit("{item}"))
	ms.deduped, _ = meter.Int64Counter(metricDeduped,
		metric.WithDescription("Enqueue requests collapsed into an in-flight item"),
		metric.WithUnit("{item}"))
	ms.executed, _ = meter.Int64Counter(metricExecuted,
		metric.WithDescription("Work items executed successfully"),
		metric.WithUnit("{item}"))
	ms.failed, _ = meter.Int64Counter(metricFailed,
		metric.WithDescription("Work item executions that failed"),
		metric.WithUnit("{item}"))
	ms.retried, _ = meter.Int64Counter(metricRetried,
		metric.WithDescription("Retry attempts of due entries"),
		metric.WithUnit("{item}"))
	ms.expired, _ = meter.Int64Counter(metricExpired,
		metric.WithDescription("Retry entries moved to the dead list"),
		metric.WithUnit("{item}"))

	_, _ = meter.Int64ObservableGauge(metricDepth,
		metric.WithDescription("Items held by each pipeline stage"),
		metric.WithUnit("{item}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			s := m.Stats()
			observer.Observe(int64(s.Queued), metric.WithAttributes(attribute.String("stage", "queue")))
			observer.Observe(int64(s.Retrying), metric.WithAttributes(attribute.String("stage", "retry")))
			observer.Observe(int64(s.Dead), metric.WithAttributes(attribute.String("stage", "dead")))
			observer.Observe(int64(s.InFlight), metric.WithAttributes(attribute.String("stage", "owned")))
			return nil
		}))
	return ms
}

func actionAttr(a ActionType) metric.AddOption {
	return metric.WithAttributes(attribute.String("action", string(a)))
}
