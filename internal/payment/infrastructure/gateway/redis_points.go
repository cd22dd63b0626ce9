package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// debitScript returns the new balance, or -1 with the balance untouched when
// funds are short.
var debitScript = redis.NewScript(`
local bal = tonumber(redis.call("GET", KEYS[1]) or "0")
local amt = tonumber(ARGV[1])
if bal < amt then
  return {-1, bal}
end
return {redis.call("DECRBY", KEYS[1], amt), bal}
`)

// creditScript applies a credit once per ref and returns the tx id that
// recorded it.
var creditScript = redis.NewScript(`
local prev = redis.call("GET", KEYS[2])
if prev then
  return prev
end
redis.call("INCRBY", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], ARGV[2], "EX", ARGV[3])
return ARGV[2]
`)

// RedisPoints keeps balances in Redis. Lua scripts make each member's debit
// and credit atomic, which stands in for the in-memory per-member lock.
type RedisPoints struct {
	log           *slog.Logger
	rdb           redis.UniversalClient
	opts          options
	prefix        string
	refTTLSeconds int
}

func NewRedisPoints(log *slog.Logger, rdb redis.UniversalClient, opts ...Option) *RedisPoints {
	return &RedisPoints{log: log, rdb: rdb, opts: buildOptions(opts), prefix: "points", refTTLSeconds: 7 * 24 * 3600}
}

func (p *RedisPoints) balanceKey(memberID string) string {
	return fmt.Sprintf("%s:balance:%s", p.prefix, memberID)
}

func (p *RedisPoints) creditKey(ref string) string {
	return fmt.Sprintf("%s:credited:%s", p.prefix, ref)
}

func (p *RedisPoints) Seed(ctx context.Context, memberID string, balance int64) error {
	return p.rdb.Set(ctx, p.balanceKey(memberID), balance, 0).Err()
}

func (p *RedisPoints) Balance(ctx context.Context, memberID string) (int64, error) {
	if err := p.opts.wait(ctx); err != nil {
		return 0, err
	}
	bal, err := p.rdb.Get(ctx, p.balanceKey(memberID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("points balance: %w", err)
	}
	return bal, nil
}

func (p *RedisPoints) Debit(ctx context.Context, memberID string, amount int64, ref string) (Response, error) {
	if err := p.opts.wait(ctx); err != nil {
		return Response{}, err
	}
	if d := p.opts.faults(Request{Op: OpDebit, OrderID: ref, MemberID: memberID, Amount: amount}); d.Decline {
		return declined(d.Reason), nil
	}

	res, err := debitScript.Run(ctx, p.rdb, []string{p.balanceKey(memberID)}, amount).Int64Slice()
	if err != nil {
		return Response{}, fmt.Errorf("points debit: %w", err)
	}
	if res[0] < 0 {
		return declined(fmt.Sprintf("insufficient points: balance %d, requested %d", res[1], amount)), nil
	}

	txID := "POINT_" + uuid.NewString()
	p.log.Info("points debited", "member_id", memberID, "amount", amount, "ref", ref, "tx_id", txID)
	return Response{Approved: true, TxID: txID, Metadata: map[string]string{"balance_after": fmt.Sprint(res[0])}}, nil
}

func (p *RedisPoints) Credit(ctx context.Context, memberID string, amount int64, ref string) (Response, error) {
	if err := p.opts.wait(ctx); err != nil {
		return Response{}, err
	}
	prev, err := p.rdb.Get(ctx, p.creditKey(ref)).Result()
	switch {
	case err == nil:
		return Response{Approved: true, TxID: prev}, nil
	case err != redis.Nil:
		return Response{}, fmt.Errorf("points credit lookup: %w", err)
	}
	if d := p.opts.faults(Request{Op: OpCredit, MemberID: memberID, Amount: amount}); d.Decline {
		return declined(d.Reason), nil
	}

	txID := "POINT_CANCEL_" + uuid.NewString()
	got, err := creditScript.Run(ctx, p.rdb,
		[]string{p.balanceKey(memberID), p.creditKey(ref)},
		amount, txID, p.refTTLSeconds,
	).Text()
	if err != nil {
		return Response{}, fmt.Errorf("points credit: %w", err)
	}
	if got == txID {
		p.log.Info("points credited", "member_id", memberID, "amount", amount, "ref", ref, "tx_id", txID)
	}
	return Response{Approved: true, TxID: got}, nil
}
