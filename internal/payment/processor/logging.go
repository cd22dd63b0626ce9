package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
)

type logging struct {
	next Processor
	log  *slog.Logger
}

func WithLogging(log *slog.Logger) Middleware {
	return func(next Processor) Processor {
		return &logging{next: next, log: log.With("method", string(next.Method()))}
	}
}

func (l *logging) Method() domain.Method { return l.next.Method() }

func (l *logging) Validate(ctx context.Context, req ValidateRequest) (ValidResult, error) {
	start := time.Now()
	res, err := l.next.Validate(ctx, req)
	l.log.Debug("leg validated", "member_id", req.MemberID, "amount", req.Amount,
		"ok", res.OK, "reason", res.Reason, "duration", time.Since(start), "err", err)
	return res, err
}

func (l *logging) Execute(ctx context.Context, req ExecuteRequest) (LegResult, error) {
	l.log.Info("leg execute start", "order_id", req.OrderID, "member_id", req.MemberID, "amount", req.Amount)
	start := time.Now()
	res, err := l.next.Execute(ctx, req)
	switch {
	case err != nil:
		l.log.Error("leg execute error", "order_id", req.OrderID, "duration", time.Since(start), "err", err)
	case !res.Success:
		l.log.Warn("leg execute failed", "order_id", req.OrderID, "duration", time.Since(start), "message", res.Message)
	default:
		l.log.Info("leg execute done", "order_id", req.OrderID, "tx_id", res.TxID, "duration", time.Since(start))
	}
	return res, err
}

func (l *logging) Compensate(ctx context.Context, req CompensateRequest) (LegResult, error) {
	l.log.Info("leg compensate start", "order_id", req.OrderID, "tx_id", req.Leg.TransactionID, "reason", req.Reason)
	start := time.Now()
	res, err := l.next.Compensate(ctx, req)
	if err != nil || !res.Success {
		l.log.Error("leg compensate failed", "order_id", req.OrderID, "tx_id", req.Leg.TransactionID,
			"duration", time.Since(start), "message", res.Message, "err", err)
		return res, err
	}
	l.log.Info("leg compensate done", "order_id", req.OrderID, "compensation_tx_id", res.TxID, "duration", time.Since(start))
	return res, err
}
