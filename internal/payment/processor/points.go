package processor

import (
	"context"
	"fmt"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
)

type Points struct {
	ledger PointsLedger
}

func NewPoints(ledger PointsLedger) *Points {
	return &Points{ledger: ledger}
}

func (p *Points) Method() domain.Method { return domain.MethodPoints }

func (p *Points) Validate(ctx context.Context, req ValidateRequest) (ValidResult, error) {
	bal, err := p.ledger.Balance(ctx, req.MemberID)
	if err != nil {
		return ValidResult{}, fmt.Errorf("points balance: %w", err)
	}
	if bal < req.Amount {
		return ValidResult{
			OK:        false,
			Reason:    fmt.Sprintf("insufficient points: balance %d, requested %d", bal, req.Amount),
			Available: bal,
		}, nil
	}
	return ValidResult{OK: true, Available: bal}, nil
}

func (p *Points) Execute(ctx context.Context, req ExecuteRequest) (LegResult, error) {
	res, err := p.ledger.Debit(ctx, req.MemberID, req.Amount, req.OrderID)
	if err != nil {
		return LegResult{}, fmt.Errorf("points debit: %w", err)
	}
	if !res.Approved {
		return failed("points debit rejected: %s", res.Reason), nil
	}
	return LegResult{
		Success:         true,
		TxID:            res.TxID,
		ProcessedAmount: req.Amount,
		Message:         "points debited",
		Metadata:        res.Metadata,
	}, nil
}

func (p *Points) Compensate(ctx context.Context, req CompensateRequest) (LegResult, error) {
	amount := req.Leg.ProcessedAmount
	if amount == 0 {
		amount = req.Leg.Amount
	}
	res, err := p.ledger.Credit(ctx, req.MemberID, amount, req.Leg.TransactionID)
	if err != nil {
		return LegResult{}, fmt.Errorf("points credit: %w", err)
	}
	if !res.Approved {
		return failed("points refund rejected: %s", res.Reason), nil
	}
	return LegResult{Success: true, TxID: res.TxID, ProcessedAmount: -amount, Message: "points returned"}, nil
}
