package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dmehra2102/payment-orchestrator/pkg/keylock"
	"github.com/google/uuid"
)

type Coupon struct {
	Code     string
	Discount int64
	MinOrder int64
}

func DefaultCoupons() []Coupon {
	return []Coupon{
		{Code: "WELCOME1000", Discount: 1_000, MinOrder: 5_000},
		{Code: "SAVE5000", Discount: 5_000, MinOrder: 20_000},
		{Code: "VIP10000", Discount: 10_000, MinOrder: 50_000},
		{Code: "SPECIAL3000", Discount: 3_000, MinOrder: 10_000},
	}
}

type CouponCheck struct {
	Valid    bool
	Discount int64
	Reason   string
}

type CouponRedemption struct {
	Code       string
	MemberID   string
	OrderID    string
	Amount     int64
	OrderTotal int64
}

// Coupons is a coupon ledger where each code can be used once per member.
type Coupons struct {
	log   *slog.Logger
	opts  options
	locks *keylock.Map

	mu       sync.RWMutex
	catalog  map[string]Coupon
	used     map[string]map[string]string
	restored map[string]string
}

func NewCoupons(log *slog.Logger, catalog []Coupon, opts ...Option) *Coupons {
	c := &Coupons{
		log:      log,
		opts:     buildOptions(opts),
		locks:    keylock.New(),
		catalog:  make(map[string]Coupon, len(catalog)),
		used:     make(map[string]map[string]string),
		restored: make(map[string]string),
	}
	for _, cp := range catalog {
		c.catalog[cp.Code] = cp
	}
	return c
}

func (c *Coupons) Check(ctx context.Context, code, memberID string, orderTotal int64) (CouponCheck, error) {
	if err := c.opts.wait(ctx); err != nil {
		return CouponCheck{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.check(code, memberID, orderTotal), nil
}

func (c *Coupons) check(code, memberID string, orderTotal int64) CouponCheck {
	cp, ok := c.catalog[code]
	if !ok {
		return CouponCheck{Reason: fmt.Sprintf("unknown coupon %q", code)}
	}
	if _, used := c.used[memberID][code]; used {
		return CouponCheck{Reason: fmt.Sprintf("coupon %s already used", code)}
	}
	if orderTotal > 0 && orderTotal < cp.MinOrder {
		return CouponCheck{Reason: fmt.Sprintf("order total %d below coupon minimum %d", orderTotal, cp.MinOrder)}
	}
	return CouponCheck{Valid: true, Discount: cp.Discount}
}

func (c *Coupons) Redeem(ctx context.Context, r CouponRedemption) (Response, error) {
	if err := c.opts.wait(ctx); err != nil {
		return Response{}, err
	}

	unlock := c.locks.Lock(r.MemberID)
	defer unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	chk := c.check(r.Code, r.MemberID, r.OrderTotal)
	if !chk.Valid {
		return declined(chk.Reason), nil
	}
	if r.Amount > chk.Discount {
		return declined(fmt.Sprintf("requested %d exceeds coupon value %d", r.Amount, chk.Discount)), nil
	}
	if d := c.opts.faults(Request{Op: OpRedeem, OrderID: r.OrderID, MemberID: r.MemberID, Amount: r.Amount}); d.Decline {
		return declined(d.Reason), nil
	}

	txID := fmt.Sprintf("COUPON-%s-%s", r.OrderID, r.Code)
	if c.used[r.MemberID] == nil {
		c.used[r.MemberID] = make(map[string]string)
	}
	c.used[r.MemberID][r.Code] = txID
	c.log.Info("coupon redeemed", "member_id", r.MemberID, "order_id", r.OrderID, "code", r.Code, "tx_id", txID)
	return Response{Approved: true, TxID: txID, Metadata: map[string]string{"discount": fmt.Sprint(chk.Discount)}}, nil
}

// Restore releases a redeemed coupon. Restoring a coupon that is not in use
// succeeds and reports the earlier restore when there was one.
func (c *Coupons) Restore(ctx context.Context, code, memberID string) (Response, error) {
	if err := c.opts.wait(ctx); err != nil {
		return Response{}, err
	}

	unlock := c.locks.Lock(memberID)
	defer unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	redeemTx, used := c.used[memberID][code]
	if !used {
		return Response{Approved: true, TxID: c.restored[memberID+"/"+code]}, nil
	}
	if d := c.opts.faults(Request{Op: OpRestore, MemberID: memberID}); d.Decline {
		return declined(d.Reason), nil
	}

	delete(c.used[memberID], code)
	txID := "COUPON_CANCEL_" + uuid.NewString()
	c.restored[memberID+"/"+code] = txID
	c.log.Info("coupon restored", "member_id", memberID, "code", code, "redeem_tx", redeemTx, "tx_id", txID)
	return Response{Approved: true, TxID: txID}, nil
}
