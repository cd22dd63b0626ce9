package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dmehra2102/payment-orchestrator/pkg/keylock"
	"github.com/google/uuid"
)

// ScoreFunc returns a member's credit score.
type ScoreFunc func(memberID string) int

func FixedScore(score int) ScoreFunc {
	return func(string) int { return score }
}

func ScoreTable(scores map[string]int, fallback int) ScoreFunc {
	return func(memberID string) int {
		if s, ok := scores[memberID]; ok {
			return s
		}
		return fallback
	}
}

func LimitForScore(score int) int64 {
	switch {
	case score >= 700:
		return 5_000_000
	case score >= 600:
		return 3_000_000
	case score >= 500:
		return 1_000_000
	default:
		return 0
	}
}

type CreditCheck struct {
	Approved  bool
	Score     int
	Limit     int64
	Used      int64
	Available int64
	Reason    string
}

type CreditOpening struct {
	OrderID           string
	MemberID          string
	Amount            int64
	InstallmentMonths int
}

type creditLine struct {
	memberID string
	amount   int64
}

// CreditLine simulates a deferred-billing provider. Open lines count against
// the member's limit until cancelled.
type CreditLine struct {
	log    *slog.Logger
	opts   options
	locks  *keylock.Map
	scores ScoreFunc

	mu        sync.Mutex
	used      map[string]int64
	lines     map[string]creditLine
	cancelled map[string]string
}

func NewCreditLine(log *slog.Logger, scores ScoreFunc, opts ...Option) *CreditLine {
	if scores == nil {
		scores = FixedScore(700)
	}
	return &CreditLine{
		log:       log,
		opts:      buildOptions(opts),
		locks:     keylock.New(),
		scores:    scores,
		used:      make(map[string]int64),
		lines:     make(map[string]creditLine),
		cancelled: make(map[string]string),
	}
}

func (c *CreditLine) CheckCredit(ctx context.Context, memberID string) (CreditCheck, error) {
	if err := c.opts.wait(ctx); err != nil {
		return CreditCheck{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.check(memberID), nil
}

func (c *CreditLine) check(memberID string) CreditCheck {
	if d := c.opts.faults(Request{Op: OpCreditCheck, MemberID: memberID}); d.Decline {
		return CreditCheck{Reason: d.Reason}
	}
	score := c.scores(memberID)
	limit := LimitForScore(score)
	if limit == 0 {
		return CreditCheck{Score: score, Reason: fmt.Sprintf("insufficient credit score %d", score)}
	}
	used := c.used[memberID]
	return CreditCheck{
		Approved:  true,
		Score:     score,
		Limit:     limit,
		Used:      used,
		Available: limit - used,
	}
}

func (c *CreditLine) Open(ctx context.Context, o CreditOpening) (Response, error) {
	if err := c.opts.wait(ctx); err != nil {
		return Response{}, err
	}

	unlock := c.locks.Lock(o.MemberID)
	defer unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	chk := c.check(o.MemberID)
	if !chk.Approved {
		return declined("credit check failed: " + chk.Reason), nil
	}
	if o.Amount > chk.Available {
		return declined(fmt.Sprintf("credit limit exceeded: available %d, requested %d", chk.Available, o.Amount)), nil
	}
	if d := c.opts.faults(Request{Op: OpCreditOpen, OrderID: o.OrderID, MemberID: o.MemberID, Amount: o.Amount}); d.Decline {
		return declined(d.Reason), nil
	}

	months := o.InstallmentMonths
	if months <= 0 {
		months = 3
	}
	id := fmt.Sprintf("BNPL-%d-%s", time.Now().UnixMilli(), o.OrderID)
	c.used[o.MemberID] += o.Amount
	c.lines[id] = creditLine{memberID: o.MemberID, amount: o.Amount}

	c.log.Info("deferred billing opened", "order_id", o.OrderID, "member_id", o.MemberID, "amount", o.Amount, "id", id)
	return Response{
		Approved: true,
		TxID:     id,
		Metadata: map[string]string{
			"installment_months": strconv.Itoa(months),
			"due_date":           time.Now().UTC().AddDate(0, 1, 0).Format(time.DateOnly),
			"credit_limit":       strconv.FormatInt(chk.Limit, 10),
		},
	}, nil
}

func (c *CreditLine) Cancel(ctx context.Context, id, reason string) (Response, error) {
	if err := c.opts.wait(ctx); err != nil {
		return Response{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.cancelled[id]; ok {
		return Response{Approved: true, TxID: prev}, nil
	}
	line, ok := c.lines[id]
	if !ok {
		return declined(fmt.Sprintf("unknown deferred billing line %s", id)), nil
	}
	if d := c.opts.faults(Request{Op: OpCreditCancel, MemberID: line.memberID, Amount: line.amount}); d.Decline {
		return declined(d.Reason), nil
	}

	c.used[line.memberID] -= line.amount
	delete(c.lines, id)
	cancelID := "BNPL_CANCEL_" + uuid.NewString()
	c.cancelled[id] = cancelID
	c.log.Info("deferred billing cancelled", "id", id, "reason", reason, "tx_id", cancelID)
	return Response{Approved: true, TxID: cancelID}, nil
}
