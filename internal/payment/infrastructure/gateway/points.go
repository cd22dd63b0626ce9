package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dmehra2102/payment-orchestrator/pkg/keylock"
	"github.com/google/uuid"
)

// Points is an in-memory stored-value ledger.
type Points struct {
	log   *slog.Logger
	opts  options
	locks *keylock.Map

	mu       sync.RWMutex
	balances map[string]int64
	credited map[string]string
}

func NewPoints(log *slog.Logger, opts ...Option) *Points {
	return &Points{
		log:      log,
		opts:     buildOptions(opts),
		locks:    keylock.New(),
		balances: make(map[string]int64),
		credited: make(map[string]string),
	}
}

// Seed sets a member's balance.
func (p *Points) Seed(memberID string, balance int64) {
	unlock := p.locks.Lock(memberID)
	defer unlock()
	p.mu.Lock()
	p.balances[memberID] = balance
	p.mu.Unlock()
}

func (p *Points) Balance(ctx context.Context, memberID string) (int64, error) {
	if err := p.opts.wait(ctx); err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balances[memberID], nil
}

func (p *Points) Debit(ctx context.Context, memberID string, amount int64, ref string) (Response, error) {
	if err := p.opts.wait(ctx); err != nil {
		return Response{}, err
	}
	if d := p.opts.faults(Request{Op: OpDebit, OrderID: ref, MemberID: memberID, Amount: amount}); d.Decline {
		return declined(d.Reason), nil
	}

	unlock := p.locks.Lock(memberID)
	defer unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	bal := p.balances[memberID]
	if bal < amount {
		return declined(fmt.Sprintf("insufficient points: balance %d, requested %d", bal, amount)), nil
	}
	p.balances[memberID] = bal - amount

	txID := "POINT_" + uuid.NewString()
	p.log.Info("points debited", "member_id", memberID, "amount", amount, "ref", ref, "tx_id", txID)
	return Response{Approved: true, TxID: txID, Metadata: map[string]string{"balance_after": fmt.Sprint(bal - amount)}}, nil
}

// Credit returns points. ref identifies the debit being reversed; crediting
// the same ref twice is a no-op that reports the first credit.
func (p *Points) Credit(ctx context.Context, memberID string, amount int64, ref string) (Response, error) {
	if err := p.opts.wait(ctx); err != nil {
		return Response{}, err
	}

	unlock := p.locks.Lock(memberID)
	defer unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.credited[ref]; ok {
		return Response{Approved: true, TxID: prev}, nil
	}
	if d := p.opts.faults(Request{Op: OpCredit, MemberID: memberID, Amount: amount}); d.Decline {
		return declined(d.Reason), nil
	}

	p.balances[memberID] += amount
	txID := "POINT_CANCEL_" + uuid.NewString()
	p.credited[ref] = txID
	p.log.Info("points credited", "member_id", memberID, "amount", amount, "ref", ref, "tx_id", txID)
	return Response{Approved: true, TxID: txID}, nil
}
