package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Record struct {
	ID        int64
	EventID   string
	Topic     string
	Key       string
	Payload   json.RawMessage
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	SentAt        *time.Time
}

// Execer is satisfied by a pool and by an open transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Insert writes one record through db. Passing a transaction makes the
// record part of the caller's commit.
func Insert(ctx context.Context, db Execer, eventID, topic, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO outbox (event_id, topic, key, payload) VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, topic, key, data)
	return err
}

// Outbox is the durable queue between the API and the worker.
type Outbox struct {
	Pool *pgxpool.Pool
}

func (o *Outbox) Insert(ctx context.Context, eventID, topic, key string, payload any) error {
	return Insert(ctx, o.Pool, eventID, topic, key, payload)
}

// FetchPending returns unsent records that are due and have not exhausted
// maxAttempts, oldest first.
func (o *Outbox) FetchPending(ctx context.Context, limit, maxAttempts int) ([]Record, error) {
	rows, err := o.Pool.Query(ctx, `
		SELECT id, event_id, topic, key, payload, attempts, next_attempt_at, created_at, sent_at
		FROM outbox
		WHERE sent_at IS NULL AND attempts < $2 AND next_attempt_at <= now()
		ORDER BY id
		LIMIT $1
	`, limit, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &rec.Payload, &rec.Attempts, &rec.NextAttemptAt, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (o *Outbox) MarkSent(ctx context.Context, id int64) error {
	_, err := o.Pool.Exec(ctx, `UPDATE outbox SET sent_at=now() WHERE id=$1`, id)
	return err
}

// MarkFailed counts a failed attempt and holds the record back until retryAt.
func (o *Outbox) MarkFailed(ctx context.Context, id int64, cause error, retryAt time.Time) error {
	_, err := o.Pool.Exec(ctx, `
		UPDATE outbox SET attempts=attempts+1, last_error=$2, next_attempt_at=$3 WHERE id=$1
	`, id, cause.Error(), retryAt)
	return err
}

// OutboxDispatcher persists effects for the worker to relay.
type OutboxDispatcher struct {
	Outbox *Outbox
	Logger *slog.Logger
}

func (d *OutboxDispatcher) Dispatch(ctx context.Context, effects ...Effect) {
	for _, e := range effects {
		eventID := uuid.NewString()
		if err := d.Outbox.Insert(ctx, eventID, e.Topic, e.Key, e.Payload); err != nil {
			d.Logger.Error("outbox insert failed",
				"topic", e.Topic,
				"key", e.Key,
				"err", fmt.Errorf("insert %s: %w", eventID, err),
			)
		}
	}
}
