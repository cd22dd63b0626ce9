package gateway

import (
	"math/rand/v2"
	"slices"
	"sync"
)

type Op string

const (
	OpAuthorize    Op = "card.authorize"
	OpCardCancel   Op = "card.cancel"
	OpDebit        Op = "points.debit"
	OpCredit       Op = "points.credit"
	OpRedeem       Op = "coupon.redeem"
	OpRestore      Op = "coupon.restore"
	OpCreditCheck  Op = "credit.check"
	OpCreditOpen   Op = "credit.open"
	OpCreditCancel Op = "credit.cancel"
)

// Request describes a collaborator call as seen by a FaultInjector.
type Request struct {
	Op       Op
	OrderID  string
	MemberID string
	Amount   int64
}

type Decision struct {
	Decline bool
	Reason  string
}

// FaultInjector decides whether a simulated collaborator call is declined.
// Implementations must be pure with respect to the request, apart from Random.
type FaultInjector func(Request) Decision

func NoFaults(Request) Decision { return Decision{} }

// AmountLimit declines authorizations whose amount reaches limit.
func AmountLimit(limit int64, reason string) FaultInjector {
	return func(r Request) Decision {
		if r.Op == OpAuthorize && r.Amount >= limit {
			return Decision{Decline: true, Reason: reason}
		}
		return Decision{}
	}
}

func DeclineOps(reason string, ops ...Op) FaultInjector {
	return func(r Request) Decision {
		if slices.Contains(ops, r.Op) {
			return Decision{Decline: true, Reason: reason}
		}
		return Decision{}
	}
}

func DeclineMembers(reason string, members ...string) FaultInjector {
	return func(r Request) Decision {
		if slices.Contains(members, r.MemberID) {
			return Decision{Decline: true, Reason: reason}
		}
		return Decision{}
	}
}

var randomReasons = []string{
	"card limit exceeded",
	"invalid card details",
	"3-D Secure authentication failed",
	"issuer under maintenance",
}

// Random declines a share of the given ops (all ops when none are listed).
// rng is guarded since *rand.Rand is not safe for concurrent use.
func Random(rate float64, rng *rand.Rand, ops ...Op) FaultInjector {
	var mu sync.Mutex
	return func(r Request) Decision {
		if len(ops) > 0 && !slices.Contains(ops, r.Op) {
			return Decision{}
		}
		mu.Lock()
		defer mu.Unlock()
		if rng.Float64() >= rate {
			return Decision{}
		}
		return Decision{Decline: true, Reason: randomReasons[rng.IntN(len(randomReasons))]}
	}
}

// Compose returns the first decline among fs.
func Compose(fs ...FaultInjector) FaultInjector {
	return func(r Request) Decision {
		for _, f := range fs {
			if f == nil {
				continue
			}
			if d := f(r); d.Decline {
				return d
			}
		}
		return Decision{}
	}
}

func orNoFaults(f FaultInjector) FaultInjector {
	if f == nil {
		return NoFaults
	}
	return f
}
