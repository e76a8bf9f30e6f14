package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the operator's metric instruments.
type Metrics struct {
	ContextRequests   metric.Int64Counter
	ActivityEvents    metric.Int64Counter
	BriefingDuration  metric.Float64Histogram
	BriefingFailures  metric.Int64Counter
	BriefingCoalesced metric.Int64Counter
	BriefingStale     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ContextRequests, err = meter.Int64Counter("oversight.context.requests",
		metric.WithDescription("Context requests served to workers"),
	)
	if err != nil {
		return nil, err
	}

	m.ActivityEvents, err = meter.Int64Counter("oversight.activity.events",
		metric.WithDescription("Activity events recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.BriefingDuration, err = meter.Float64Histogram("oversight.briefing.duration",
		metric.WithDescription("Narrative briefing generation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BriefingFailures, err = meter.Int64Counter("oversight.briefing.failures",
		metric.WithDescription("Narrative generations that timed out or failed"),
	)
	if err != nil {
		return nil, err
	}

	m.BriefingCoalesced, err = meter.Int64Counter("oversight.briefing.coalesced",
		metric.WithDescription("Context requests that joined an in-flight generation"),
	)
	if err != nil {
		return nil, err
	}

	m.BriefingStale, err = meter.Int64Counter("oversight.briefing.stale_served",
		metric.WithDescription("Context requests answered with a stale briefing"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
