package domain

import "fmt"

type Method string

const (
	MethodCard      Method = "card"
	MethodPoints    Method = "points"
	MethodCoupon    Method = "coupon"
	MethodDeferred  Method = "deferred"
	MethodComposite Method = "composite"
)

// Leg metadata keys understood by the processors.
const (
	MetaCouponCode        = "coupon_code"
	MetaCardNumber        = "card_number"
	MetaInstallmentMonths = "installment_months"
)

func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodCard, MethodPoints, MethodCoupon, MethodDeferred, MethodComposite:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
}

// IsLegMethod reports whether m can fund a leg. Composite only ever labels a
// whole payment.
func (m Method) IsLegMethod() bool {
	switch m {
	case MethodCard, MethodPoints, MethodCoupon, MethodDeferred:
		return true
	}
	return false
}
