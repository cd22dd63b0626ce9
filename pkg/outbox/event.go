package outbox

import "time"

// Status is the lifecycle of an outbox row. A row goes pending, in_progress,
// sent; a publish error puts it back to pending until its retries run out
// and it is parked as failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Event is one leased outbox row.
type Event struct {
	ID          int64
	Aggregate   string
	AggregateID string
	Type        string
	Payload     []byte
	Headers     map[string]string
	Traceparent string
	CreatedAt   time.Time
	// Attempt counts earlier failed publishes of this row.
	Attempt int
}

// Age is how long the event has waited in the outbox as of now.
func (e Event) Age(now time.Time) time.Duration {
	if e.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(e.CreatedAt)
}

func (e Event) logAttrs() []any {
	return []any{"event_id", e.ID, "event_type", e.Type, "aggregate_id", e.AggregateID, "attempt", e.Attempt}
}
