package processor

import (
	"context"
	"fmt"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/infrastructure/gateway"
)

type Card struct {
	gw CardGateway
}

func NewCard(gw CardGateway) *Card {
	return &Card{gw: gw}
}

func (c *Card) Method() domain.Method { return domain.MethodCard }

// Validate always passes; the network enforces limits when authorizing.
func (c *Card) Validate(ctx context.Context, req ValidateRequest) (ValidResult, error) {
	return ValidResult{OK: true, Available: req.Amount}, nil
}

func (c *Card) Execute(ctx context.Context, req ExecuteRequest) (LegResult, error) {
	res, err := c.gw.Authorize(ctx, gateway.CardAuthorization{
		OrderID:    req.OrderID,
		MemberID:   req.MemberID,
		Amount:     req.Amount,
		CardNumber: req.Metadata[domain.MetaCardNumber],
	})
	if err != nil {
		return LegResult{}, fmt.Errorf("card authorize: %w", err)
	}
	if !res.Approved {
		return failed("card declined: %s", res.Reason), nil
	}
	return LegResult{
		Success:         true,
		TxID:            res.TxID,
		ProcessedAmount: req.Amount,
		Message:         "card approved",
		Metadata:        res.Metadata,
	}, nil
}

func (c *Card) Compensate(ctx context.Context, req CompensateRequest) (LegResult, error) {
	res, err := c.gw.Cancel(ctx, req.Leg.TransactionID, req.Leg.Amount, req.Reason)
	if err != nil {
		return LegResult{}, fmt.Errorf("card cancel: %w", err)
	}
	if !res.Approved {
		return failed("card cancel rejected: %s", res.Reason), nil
	}
	return LegResult{Success: true, TxID: res.TxID, ProcessedAmount: -req.Leg.Amount, Message: "card authorization cancelled"}, nil
}
