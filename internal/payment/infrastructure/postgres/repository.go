package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/application"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) Save(ctx context.Context, p domain.Payment) (domain.Payment, error) {
	return r.inTx(ctx, p, nil)
}

// SaveWithOutbox commits the payment and the event in one transaction.
func (r *Repository) SaveWithOutbox(ctx context.Context, p domain.Payment, ev application.OutboxEvent) (domain.Payment, error) {
	return r.inTx(ctx, p, &ev)
}

func (r *Repository) inTx(ctx context.Context, p domain.Payment, ev *application.OutboxEvent) (domain.Payment, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UpdatedAt = time.Now().UTC()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Payment{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `INSERT INTO payments (id, order_id, member_id, total_amount, method, status, failure_reason, created_at, updated_at, completed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO UPDATE SET status=$6, failure_reason=$7, updated_at=$9, completed_at=$10`,
		p.ID, p.OrderID, p.MemberID, p.TotalAmount, p.Method, p.Status, p.FailureReason, p.CreatedAt, p.UpdatedAt, p.CompletedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Payment{}, fmt.Errorf("order %s: %w", p.OrderID, domain.ErrPaymentInProgress)
		}
		return domain.Payment{}, err
	}

	batch := &pgx.Batch{}
	for i, l := range p.Legs {
		batch.Queue(`INSERT INTO payment_legs (payment_id, seq, method, amount, status, transaction_id, processed_amount, compensation_tx_id, message, metadata)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (payment_id, seq) DO UPDATE SET status=$5, transaction_id=$6, processed_amount=$7, compensation_tx_id=$8, message=$9, metadata=$10`,
			p.ID, i, l.Method, l.Amount, l.Status, l.TransactionID, l.ProcessedAmount, l.CompensationTxID, l.Message, metadataOrEmpty(l.Metadata))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return domain.Payment{}, err
	}

	if ev != nil {
		_, err = tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status) VALUES ($1,$2,$3,$4,$5,$6,'pending')`,
			"payment", p.OrderID, ev.Type, ev.Payload, metadataOrEmpty(ev.Headers), ev.Traceparent)
		if err != nil {
			return domain.Payment{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Payment{}, err
	}
	return p, nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (r *Repository) FindByID(ctx context.Context, id string) (domain.Payment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Payment{}, fmt.Errorf("payment %s: %w", id, domain.ErrPaymentNotFound)
	}
	return r.find(ctx, `WHERE id=$1`, id)
}

func (r *Repository) FindByOrderID(ctx context.Context, orderID string) (domain.Payment, error) {
	return r.find(ctx, `WHERE order_id=$1 ORDER BY created_at DESC LIMIT 1`, orderID)
}

func (r *Repository) FindStale(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id::text FROM payments
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at
		LIMIT $4`, string(domain.StatusPending), string(domain.StatusProcessing), before, limit)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	out := make([]domain.Payment, 0, len(ids))
	for _, id := range ids {
		p, err := r.find(ctx, `WHERE id=$1`, id)
		if errors.Is(err, domain.ErrPaymentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Repository) find(ctx context.Context, where string, arg string) (domain.Payment, error) {
	var p domain.Payment
	err := r.pool.QueryRow(ctx, `SELECT id, order_id, member_id, total_amount, method, status, failure_reason, created_at, updated_at, completed_at
		FROM payments `+where, arg).
		Scan(&p.ID, &p.OrderID, &p.MemberID, &p.TotalAmount, &p.Method, &p.Status, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, fmt.Errorf("payment %s: %w", arg, domain.ErrPaymentNotFound)
	}
	if err != nil {
		return domain.Payment{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT method, amount, status, transaction_id, processed_amount, compensation_tx_id, message, metadata
		FROM payment_legs WHERE payment_id=$1 ORDER BY seq`, p.ID)
	if err != nil {
		return domain.Payment{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l domain.Leg
		if err := rows.Scan(&l.Method, &l.Amount, &l.Status, &l.TransactionID, &l.ProcessedAmount, &l.CompensationTxID, &l.Message, &l.Metadata); err != nil {
			return domain.Payment{}, err
		}
		p.Legs = append(p.Legs, l)
	}
	return p, rows.Err()
}
