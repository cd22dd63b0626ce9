package domain

import (
	"fmt"
	"slices"
)

type LegRequest struct {
	Method   Method
	Amount   int64
	Metadata map[string]string
}

type ValidationRequest struct {
	OrderID     string
	MemberID    string
	TotalAmount int64
	Legs        []LegRequest
}

type Bounds struct {
	Min int64
	Max int64
}

// Policy holds the tunable parts of the composition rules.
type Policy struct {
	Bounds         map[Method]Bounds
	CompositeTotal Bounds
	SubMethods     []Method
	MaxCouponLegs  int
}

func DefaultPolicy() Policy {
	return Policy{
		Bounds: map[Method]Bounds{
			MethodCard:     {Min: 100, Max: 50_000_000},
			MethodDeferred: {Min: 10_000, Max: 5_000_000},
			MethodPoints:   {Min: 1, Max: 10_000_000},
			MethodCoupon:   {Min: 1, Max: 1_000_000},
		},
		CompositeTotal: Bounds{Min: 100, Max: 50_000_000},
		SubMethods:     []Method{MethodPoints, MethodCoupon},
		MaxCouponLegs:  1,
	}
}

type Rule interface {
	Name() string
	Check(req ValidationRequest) (reason string, ok bool)
}

type RuleFunc struct {
	name string
	fn   func(ValidationRequest) (string, bool)
}

func NewRule(name string, fn func(ValidationRequest) (string, bool)) RuleFunc {
	return RuleFunc{name: name, fn: fn}
}

func (r RuleFunc) Name() string { return r.name }

func (r RuleFunc) Check(req ValidationRequest) (string, bool) { return r.fn(req) }

// Chain evaluates its rules in order and stops at the first failure.
type Chain struct {
	rules []Rule
}

func NewChain(rules ...Rule) *Chain {
	return &Chain{rules: rules}
}

func DefaultChain(p Policy) *Chain {
	return NewChain(
		AmountBounds(p),
		StandaloneEligibility(),
		CompositeComposition(p),
		Conservation(),
	)
}

func (c *Chain) Validate(req ValidationRequest) error {
	for _, r := range c.rules {
		if reason, ok := r.Check(req); !ok {
			return &ValidationError{Rule: r.Name(), Reason: reason}
		}
	}
	return nil
}

func AmountBounds(p Policy) Rule {
	return NewRule("amount_bounds", func(req ValidationRequest) (string, bool) {
		if req.TotalAmount <= 0 {
			return "total amount must be positive", false
		}
		if len(req.Legs) == 0 {
			return "at least one payment leg is required", false
		}
		for _, leg := range req.Legs {
			if !leg.Method.IsLegMethod() {
				return fmt.Sprintf("unsupported leg method %q", leg.Method), false
			}
			if leg.Amount <= 0 {
				return fmt.Sprintf("%s amount must be positive", leg.Method), false
			}
			b, ok := p.Bounds[leg.Method]
			if !ok {
				continue
			}
			if leg.Amount < b.Min || leg.Amount > b.Max {
				return fmt.Sprintf("%s amount %d outside allowed range [%d, %d]", leg.Method, leg.Amount, b.Min, b.Max), false
			}
		}
		if len(req.Legs) > 1 {
			b := p.CompositeTotal
			if req.TotalAmount < b.Min || req.TotalAmount > b.Max {
				return fmt.Sprintf("composite total %d outside allowed range [%d, %d]", req.TotalAmount, b.Min, b.Max), false
			}
		}
		return "", true
	})
}

func StandaloneEligibility() Rule {
	return NewRule("standalone", func(req ValidationRequest) (string, bool) {
		if len(req.Legs) == 1 && req.Legs[0].Method == MethodCoupon {
			return "coupon cannot be sole payment method", false
		}
		if len(req.Legs) > 1 {
			for _, leg := range req.Legs {
				if leg.Method == MethodDeferred {
					return "deferred billing cannot be combined with other methods", false
				}
			}
		}
		return "", true
	})
}

func CompositeComposition(p Policy) Rule {
	return NewRule("composite", func(req ValidationRequest) (string, bool) {
		if len(req.Legs) < 2 {
			return "", true
		}
		var cards, coupons int
		for _, leg := range req.Legs {
			switch {
			case leg.Method == MethodCard:
				cards++
			case leg.Method == MethodDeferred:
				return "deferred billing is not allowed in a composite payment", false
			case !slices.Contains(p.SubMethods, leg.Method):
				return fmt.Sprintf("method %s not allowed as a composite sub-method", leg.Method), false
			}
			if leg.Method == MethodCoupon {
				coupons++
			}
		}
		if cards != 1 {
			return fmt.Sprintf("composite payment requires exactly one card leg, got %d", cards), false
		}
		if coupons > p.MaxCouponLegs {
			return fmt.Sprintf("at most %d coupon leg allowed, got %d", p.MaxCouponLegs, coupons), false
		}
		return "", true
	})
}

func Conservation() Rule {
	return NewRule("conservation", func(req ValidationRequest) (string, bool) {
		var sum int64
		for _, leg := range req.Legs {
			sum += leg.Amount
		}
		if sum != req.TotalAmount {
			return fmt.Sprintf("leg amounts sum %d does not match total %d", sum, req.TotalAmount), false
		}
		return "", true
	})
}
