package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the taskrelay instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	ScanDuration     metric.Float64Histogram
	TasksDue         metric.Int64Counter
	TasksDispatched  metric.Int64Counter
	DispatchErrors   metric.Int64Counter
	TasksCreated     metric.Int64Counter
	TasksRejected    metric.Int64Counter
	InboundMessages  metric.Int64Counter
	DeliveriesFailed metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskrelay.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ScanDuration, err = meter.Float64Histogram("taskrelay.scan.duration",
		metric.WithDescription("Due-task scan duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDue, err = meter.Int64Counter("taskrelay.scan.due",
		metric.WithDescription("Task ids returned by due scans"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("taskrelay.dispatch.sent",
		metric.WithDescription("Dispatch notifications emitted"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchErrors, err = meter.Int64Counter("taskrelay.dispatch.errors",
		metric.WithDescription("Dispatch notifications that failed to publish"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("taskrelay.tasks.created",
		metric.WithDescription("Tasks created from inbound payloads"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRejected, err = meter.Int64Counter("taskrelay.tasks.rejected",
		metric.WithDescription("Inbound payloads rejected as duplicate or malformed"),
	)
	if err != nil {
		return nil, err
	}

	m.InboundMessages, err = meter.Int64Counter("taskrelay.inbound.messages",
		metric.WithDescription("Inbound broker deliveries handled"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveriesFailed, err = meter.Int64Counter("taskrelay.inbound.failed",
		metric.WithDescription("Inbound deliveries left unacknowledged for redelivery"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
