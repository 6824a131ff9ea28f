package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all queue metrics instruments. Counters and histograms are
// recorded at the store's transaction boundaries; the two gauges are
// observable and polled from the database via RegisterQueueObserver.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	ClaimDuration   metric.Float64Histogram
	TaskDuration    metric.Float64Histogram
	TasksEnqueued   metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksRetried    metric.Int64Counter
	TasksReaped     metric.Int64Counter
	QueueDepth      metric.Int64ObservableGauge
	ActiveLeases    metric.Int64ObservableGauge
}

// QueueObserver reports point-in-time queue gauges. The store implements it.
type QueueObserver interface {
	QueueGauges(ctx context.Context) (queueDepth, activeLeases int64, err error)
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("apiforge.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimDuration, err = meter.Float64Histogram("apiforge.claim.duration",
		metric.WithDescription("Dequeue-and-assign transaction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("apiforge.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksEnqueued, err = meter.Int64Counter("apiforge.tasks.enqueued",
		metric.WithDescription("Tasks added to the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("apiforge.tasks.completed",
		metric.WithDescription("Tasks completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("apiforge.tasks.failed",
		metric.WithDescription("Tasks failed terminally"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("apiforge.tasks.retried",
		metric.WithDescription("Task failures that were re-queued for retry"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksReaped, err = meter.Int64Counter("apiforge.tasks.reaped",
		metric.WithDescription("Tasks reclaimed from offline workers"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64ObservableGauge("apiforge.queue.depth",
		metric.WithDescription("Tasks currently pending or retrying"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveLeases, err = meter.Int64ObservableGauge("apiforge.leases.active",
		metric.WithDescription("Tasks currently in progress under a worker"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterQueueObserver wires the queue gauges to src; the SDK invokes the
// callback on its collection interval. Reading the counts from the database
// on demand keeps the gauges exact with no per-transition bookkeeping.
func (m *Metrics) RegisterQueueObserver(meter metric.Meter, src QueueObserver) (metric.Registration, error) {
	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		depth, leases, err := src.QueueGauges(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(m.QueueDepth, depth)
		o.ObserveInt64(m.ActiveLeases, leases)
		return nil
	}, m.QueueDepth, m.ActiveLeases)
}
