package processor

import (
	"context"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type traced struct {
	next   Processor
	tracer trace.Tracer
}

func WithTracing(tracer trace.Tracer) Middleware {
	return func(next Processor) Processor {
		return &traced{next: next, tracer: tracer}
	}
}

func (p *traced) Method() domain.Method { return p.next.Method() }

func (p *traced) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("payment.method", string(p.next.Method())))
	return p.tracer.Start(ctx, "Leg."+op, trace.WithAttributes(attrs...))
}

func end(span trace.Span, ok bool, msg string, err error) {
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !ok:
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}

func (p *traced) Validate(ctx context.Context, req ValidateRequest) (ValidResult, error) {
	ctx, span := p.start(ctx, "Validate", attribute.Int64("payment.amount", req.Amount))
	res, err := p.next.Validate(ctx, req)
	end(span, res.OK, res.Reason, err)
	return res, err
}

func (p *traced) Execute(ctx context.Context, req ExecuteRequest) (LegResult, error) {
	ctx, span := p.start(ctx, "Execute",
		attribute.String("order.id", req.OrderID),
		attribute.Int64("payment.amount", req.Amount))
	res, err := p.next.Execute(ctx, req)
	end(span, res.Success, res.Message, err)
	return res, err
}

func (p *traced) Compensate(ctx context.Context, req CompensateRequest) (LegResult, error) {
	ctx, span := p.start(ctx, "Compensate",
		attribute.String("order.id", req.OrderID),
		attribute.String("payment.tx_id", req.Leg.TransactionID))
	res, err := p.next.Compensate(ctx, req)
	end(span, res.Success, res.Message, err)
	return res, err
}
