package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// At most one payment per order may be outside the failed state; failed
// attempts are kept for history and a new attempt gets a new row.
const schema = `
CREATE TABLE IF NOT EXISTS payments (
	id             UUID PRIMARY KEY,
	order_id       TEXT        NOT NULL,
	member_id      TEXT        NOT NULL,
	total_amount   BIGINT      NOT NULL,
	method         TEXT        NOT NULL,
	status         TEXT        NOT NULL,
	failure_reason TEXT        NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS payments_order_created_idx ON payments (order_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS payments_order_live_idx ON payments (order_id) WHERE status <> 'failed';
CREATE INDEX IF NOT EXISTS payments_unfinished_idx ON payments (updated_at) WHERE status IN ('pending', 'processing');

CREATE TABLE IF NOT EXISTS payment_legs (
	payment_id         UUID    NOT NULL REFERENCES payments (id) ON DELETE CASCADE,
	seq                INT     NOT NULL,
	method             TEXT    NOT NULL,
	amount             BIGINT  NOT NULL,
	status             TEXT    NOT NULL,
	transaction_id     TEXT    NOT NULL DEFAULT '',
	processed_amount   BIGINT  NOT NULL DEFAULT 0,
	compensation_tx_id TEXT    NOT NULL DEFAULT '',
	message            TEXT    NOT NULL DEFAULT '',
	metadata           JSONB   NOT NULL DEFAULT '{}',
	PRIMARY KEY (payment_id, seq)
);

CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_type TEXT        NOT NULL,
	aggregate_id   TEXT        NOT NULL,
	type           TEXT        NOT NULL,
	payload        BYTEA       NOT NULL,
	headers        JSONB       NOT NULL DEFAULT '{}',
	traceparent    TEXT        NOT NULL DEFAULT '',
	status         TEXT        NOT NULL DEFAULT 'pending',
	relay_id       TEXT,
	lease_until    TIMESTAMPTZ,
	retry_count    INT         NOT NULL DEFAULT 0,
	last_error     TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS outbox_status_idx ON outbox (status, id);
`

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
