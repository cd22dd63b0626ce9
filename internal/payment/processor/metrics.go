package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	calls, err := meter.Int64Counter("payment.leg.calls",
		metric.WithDescription("Processor calls by method, operation and outcome."))
	if err != nil {
		return nil, fmt.Errorf("leg calls counter: %w", err)
	}
	duration, err := meter.Float64Histogram("payment.leg.duration",
		metric.WithDescription("Processor call latency."), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("leg duration histogram: %w", err)
	}
	return &Metrics{calls: calls, duration: duration}, nil
}

func (m *Metrics) Middleware() Middleware {
	return func(next Processor) Processor {
		return &metered{next: next, m: m}
	}
}

type metered struct {
	next Processor
	m    *Metrics
}

func (p *metered) Method() domain.Method { return p.next.Method() }

func (p *metered) record(ctx context.Context, op string, start time.Time, ok bool, err error) {
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case !ok:
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("method", string(p.next.Method())),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	p.m.calls.Add(ctx, 1, attrs)
	p.m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
}

func (p *metered) Validate(ctx context.Context, req ValidateRequest) (ValidResult, error) {
	start := time.Now()
	res, err := p.next.Validate(ctx, req)
	p.record(ctx, "validate", start, res.OK, err)
	return res, err
}

func (p *metered) Execute(ctx context.Context, req ExecuteRequest) (LegResult, error) {
	start := time.Now()
	res, err := p.next.Execute(ctx, req)
	p.record(ctx, "execute", start, res.Success, err)
	return res, err
}

func (p *metered) Compensate(ctx context.Context, req CompensateRequest) (LegResult, error) {
	start := time.Now()
	res, err := p.next.Compensate(ctx, req)
	p.record(ctx, "compensate", start, res.Success, err)
	return res, err
}
