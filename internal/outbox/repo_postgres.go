package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"call-signaling/pkg/utils"
)

// PostgresRepo persists events in notification_events.
// The per-recipient cursor row in outbox_cursors is upserted inside the same
// transaction, which serializes appends per recipient and keeps seq order equal
// to commit order.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const schema = `
CREATE TABLE IF NOT EXISTS outbox_cursors (
	recipient_id TEXT PRIMARY KEY,
	last_seq     BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS notification_events (
	event_id     UUID PRIMARY KEY,
	recipient_id TEXT NOT NULL,
	seq          BIGINT NOT NULL,
	event_type   TEXT NOT NULL,
	payload      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (recipient_id, seq)
);
CREATE INDEX IF NOT EXISTS notification_events_created_at_idx ON notification_events (created_at);
`

// EnsureSchema creates the outbox tables if they do not exist.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) (Event, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return Event{}, err
	}

	err = utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const bump = `
INSERT INTO outbox_cursors (recipient_id, last_seq)
VALUES ($1, 1)
ON CONFLICT (recipient_id) DO UPDATE SET last_seq = outbox_cursors.last_seq + 1
RETURNING last_seq
`
		if err := tx.QueryRowContext(ctx, bump, e.RecipientID).Scan(&e.Cursor); err != nil {
			return err
		}

		const ins = `
INSERT INTO notification_events (event_id, recipient_id, seq, event_type, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
		_, err := tx.ExecContext(ctx, ins, e.ID, e.RecipientID, e.Cursor, string(e.Type), payload, e.CreatedAt)
		return err
	})
	if err != nil {
		return Event{}, err
	}
	return e, nil
}

func (r *PostgresRepo) ListSince(ctx context.Context, recipientID string, cursor int64, limit int) ([]Event, error) {
	const q = `
SELECT event_id, recipient_id, seq, event_type, payload, created_at
FROM notification_events
WHERE recipient_id = $1 AND seq > $2
ORDER BY seq ASC
LIMIT $3
`
	rows, err := r.db.QueryContext(ctx, q, recipientID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			typ     string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.RecipientID, &e.Cursor, &typ, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Head(ctx context.Context, recipientID string) (int64, error) {
	const q = `SELECT last_seq FROM outbox_cursors WHERE recipient_id = $1`
	var n int64
	if err := r.db.QueryRowContext(ctx, q, recipientID).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func (r *PostgresRepo) Prune(ctx context.Context, before time.Time) (int, error) {
	const q = `DELETE FROM notification_events WHERE created_at < $1`
	res, err := r.db.ExecContext(ctx, q, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
