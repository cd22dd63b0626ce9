package application

import (
	"context"
	"time"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/processor"
)

// OutboxEvent is written in the same transaction as the payment it
// describes.
type OutboxEvent struct {
	Type        string
	Payload     []byte
	Headers     map[string]string
	Traceparent string
}

type PaymentRepository interface {
	// Save upserts p and its legs, assigning an ID on first save.
	Save(ctx context.Context, p domain.Payment) (domain.Payment, error)
	SaveWithOutbox(ctx context.Context, p domain.Payment, ev OutboxEvent) (domain.Payment, error)
	FindByID(ctx context.Context, id string) (domain.Payment, error)
	// FindByOrderID returns the latest attempt for the order.
	FindByOrderID(ctx context.Context, orderID string) (domain.Payment, error)
	// FindStale lists payments still pending or processing whose last save
	// is older than before, oldest first.
	FindStale(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error)
}

type ProcessorResolver interface {
	Resolve(m domain.Method) (processor.Processor, error)
}
