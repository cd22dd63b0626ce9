package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

type CardAuthorization struct {
	OrderID    string
	MemberID   string
	Amount     int64
	CardNumber string
}

type CardNetwork struct {
	log  *slog.Logger
	opts options

	mu        sync.Mutex
	auths     map[string]int64
	cancelled map[string]string
}

func NewCardNetwork(log *slog.Logger, opts ...Option) *CardNetwork {
	return &CardNetwork{
		log:       log,
		opts:      buildOptions(opts),
		auths:     make(map[string]int64),
		cancelled: make(map[string]string),
	}
}

func (c *CardNetwork) Authorize(ctx context.Context, a CardAuthorization) (Response, error) {
	if err := c.opts.wait(ctx); err != nil {
		return Response{}, err
	}
	d := c.opts.faults(Request{Op: OpAuthorize, OrderID: a.OrderID, MemberID: a.MemberID, Amount: a.Amount})
	if d.Decline {
		c.log.Info("card authorization declined", "order_id", a.OrderID, "amount", a.Amount, "reason", d.Reason)
		return declined(d.Reason), nil
	}

	txID := fmt.Sprintf("PG-%d-%s-%s", time.Now().UnixMilli(), a.OrderID, uuid.NewString()[:8])
	c.mu.Lock()
	c.auths[txID] = a.Amount
	c.mu.Unlock()

	md := map[string]string{"approval_code": approvalCode()}
	if a.CardNumber != "" {
		md["card_number"] = maskCard(a.CardNumber)
	}
	c.log.Info("card authorized", "order_id", a.OrderID, "tx_id", txID, "amount", a.Amount)
	return Response{Approved: true, TxID: txID, Metadata: md}, nil
}

// Cancel voids an authorization. Repeating a cancel returns the first result.
func (c *CardNetwork) Cancel(ctx context.Context, txID string, amount int64, reason string) (Response, error) {
	if err := c.opts.wait(ctx); err != nil {
		return Response{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.cancelled[txID]; ok {
		return Response{Approved: true, TxID: prev}, nil
	}
	if _, ok := c.auths[txID]; !ok {
		return declined(fmt.Sprintf("unknown card transaction %s", txID)), nil
	}
	if d := c.opts.faults(Request{Op: OpCardCancel, Amount: amount}); d.Decline {
		return declined(d.Reason), nil
	}

	cancelID := "CANCEL-" + txID
	c.cancelled[txID] = cancelID
	delete(c.auths, txID)
	c.log.Info("card authorization cancelled", "tx_id", txID, "amount", amount, "reason", reason)
	return Response{Approved: true, TxID: cancelID}, nil
}

func approvalCode() string {
	return fmt.Sprintf("%06d", 100000+rand.IntN(900000))
}

func maskCard(n string) string {
	if len(n) <= 4 {
		return n
	}
	return "****-****-****-" + n[len(n)-4:]
}
