package processor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/infrastructure/gateway"
)

const defaultInstallments = 3

type Deferred struct {
	credit CreditLine
}

func NewDeferred(credit CreditLine) *Deferred {
	return &Deferred{credit: credit}
}

func (d *Deferred) Method() domain.Method { return domain.MethodDeferred }

func (d *Deferred) Validate(ctx context.Context, req ValidateRequest) (ValidResult, error) {
	chk, err := d.credit.CheckCredit(ctx, req.MemberID)
	if err != nil {
		return ValidResult{}, fmt.Errorf("credit check: %w", err)
	}
	if !chk.Approved {
		return ValidResult{OK: false, Reason: "credit check failed: " + chk.Reason}, nil
	}
	if req.Amount > chk.Available {
		return ValidResult{
			OK:        false,
			Reason:    fmt.Sprintf("credit limit exceeded: available %d, requested %d", chk.Available, req.Amount),
			Available: chk.Available,
		}, nil
	}
	return ValidResult{OK: true, Available: chk.Available}, nil
}

func (d *Deferred) Execute(ctx context.Context, req ExecuteRequest) (LegResult, error) {
	months := defaultInstallments
	if v := req.Metadata[domain.MetaInstallmentMonths]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return failed("invalid installment months %q", v), nil
		}
		months = n
	}
	res, err := d.credit.Open(ctx, gateway.CreditOpening{
		OrderID:           req.OrderID,
		MemberID:          req.MemberID,
		Amount:            req.Amount,
		InstallmentMonths: months,
	})
	if err != nil {
		return LegResult{}, fmt.Errorf("deferred billing open: %w", err)
	}
	if !res.Approved {
		return failed("deferred billing rejected: %s", res.Reason), nil
	}
	return LegResult{
		Success:         true,
		TxID:            res.TxID,
		ProcessedAmount: req.Amount,
		Message:         "deferred billing approved",
		Metadata:        res.Metadata,
	}, nil
}

func (d *Deferred) Compensate(ctx context.Context, req CompensateRequest) (LegResult, error) {
	res, err := d.credit.Cancel(ctx, req.Leg.TransactionID, req.Reason)
	if err != nil {
		return LegResult{}, fmt.Errorf("deferred billing cancel: %w", err)
	}
	if !res.Approved {
		return failed("deferred billing cancel rejected: %s", res.Reason), nil
	}
	return LegResult{Success: true, TxID: res.TxID, ProcessedAmount: -req.Leg.Amount, Message: "deferred billing cancelled"}, nil
}
