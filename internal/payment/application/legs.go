package application

import (
	"fmt"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
)

const (
	// CompositePointsShare is the percentage of the total paid in points when
	// a composite payment is requested without its legs.
	CompositePointsShare = 30
	// DefaultInstallmentMonths applies to deferred billing requested without
	// a term.
	DefaultInstallmentMonths = "3"
)

// DefaultLegs derives the legs for a request that names only a method and a
// total. A composite becomes a card leg plus a points leg, with points
// rounded down.
func DefaultLegs(m domain.Method, total int64, metadata map[string]string) ([]LegCommand, error) {
	switch m {
	case domain.MethodComposite:
		points := total * CompositePointsShare / 100
		return []LegCommand{
			{Method: domain.MethodCard, Amount: total - points, Metadata: metadata},
			{Method: domain.MethodPoints, Amount: points},
		}, nil
	case domain.MethodDeferred:
		md := map[string]string{domain.MetaInstallmentMonths: DefaultInstallmentMonths}
		for k, v := range metadata {
			md[k] = v
		}
		return []LegCommand{{Method: m, Amount: total, Metadata: md}}, nil
	case domain.MethodCard, domain.MethodPoints, domain.MethodCoupon:
		return []LegCommand{{Method: m, Amount: total, Metadata: metadata}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedMethod, m)
	}
}
