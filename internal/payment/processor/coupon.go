package processor

import (
	"context"
	"fmt"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/infrastructure/gateway"
)

// Coupon redeems a discount code. Whether a coupon may fund a payment on its
// own is decided by the validation chain, not here.
type Coupon struct {
	ledger CouponLedger
}

func NewCoupon(ledger CouponLedger) *Coupon {
	return &Coupon{ledger: ledger}
}

func (c *Coupon) Method() domain.Method { return domain.MethodCoupon }

func (c *Coupon) Validate(ctx context.Context, req ValidateRequest) (ValidResult, error) {
	code := req.Metadata[domain.MetaCouponCode]
	if code == "" {
		return ValidResult{OK: false, Reason: "coupon code is required"}, nil
	}
	chk, err := c.ledger.Check(ctx, code, req.MemberID, req.OrderTotal)
	if err != nil {
		return ValidResult{}, fmt.Errorf("coupon check: %w", err)
	}
	if !chk.Valid {
		return ValidResult{OK: false, Reason: chk.Reason}, nil
	}
	if req.Amount > chk.Discount {
		return ValidResult{
			OK:        false,
			Reason:    fmt.Sprintf("requested %d exceeds coupon value %d", req.Amount, chk.Discount),
			Available: chk.Discount,
		}, nil
	}
	return ValidResult{OK: true, Available: chk.Discount}, nil
}

func (c *Coupon) Execute(ctx context.Context, req ExecuteRequest) (LegResult, error) {
	code := req.Metadata[domain.MetaCouponCode]
	if code == "" {
		return failed("coupon code is required"), nil
	}
	res, err := c.ledger.Redeem(ctx, gateway.CouponRedemption{
		Code:       code,
		MemberID:   req.MemberID,
		OrderID:    req.OrderID,
		Amount:     req.Amount,
		OrderTotal: req.OrderTotal,
	})
	if err != nil {
		return LegResult{}, fmt.Errorf("coupon redeem: %w", err)
	}
	if !res.Approved {
		return failed("coupon rejected: %s", res.Reason), nil
	}
	return LegResult{
		Success:         true,
		TxID:            res.TxID,
		ProcessedAmount: req.Amount,
		Message:         "coupon applied",
		Metadata:        res.Metadata,
	}, nil
}

func (c *Coupon) Compensate(ctx context.Context, req CompensateRequest) (LegResult, error) {
	code := req.Leg.Metadata[domain.MetaCouponCode]
	res, err := c.ledger.Restore(ctx, code, req.MemberID)
	if err != nil {
		return LegResult{}, fmt.Errorf("coupon restore: %w", err)
	}
	if !res.Approved {
		return failed("coupon restore rejected: %s", res.Reason), nil
	}
	return LegResult{Success: true, TxID: res.TxID, ProcessedAmount: -req.Leg.Amount, Message: "coupon restored"}, nil
}
