package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, status, retry_count, max_retries, created_at, published_at`

// OutboxRepository stores order and payment events written in the same
// transaction as the state change they describe.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *OutboxRepository) Insert(ctx context.Context, entry *outbox.Entry) error {
	if entry.Payload == nil {
		entry.Payload = map[string]any{}
	}
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", entry.EventType, err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO outbox (`+outboxColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.AggregateType, entry.AggregateID, entry.EventType, payload,
		string(entry.Status), entry.RetryCount, entry.MaxRetries, entry.CreatedAt, entry.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry %s: %w", entry.EventType, err)
	}
	return nil
}

// GetPending claims up to limit pending entries in creation order. Rows are
// locked until the surrounding transaction ends, so concurrent relays skip
// each other's batches.
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox
		 WHERE status = $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`, string(outbox.StatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get pending outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*outbox.Entry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET status = $1, published_at = NOW() WHERE id = $2`,
		string(outbox.StatusPublished), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox %s published: %w", id, err)
	}
	return nil
}

// MarkFailed counts a failed relay attempt. The entry goes back to pending
// until it runs out of retries.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET retry_count = retry_count + 1,
		        status = CASE WHEN retry_count + 1 >= max_retries THEN $1 ELSE $2 END
		 WHERE id = $3`,
		string(outbox.StatusFailed), string(outbox.StatusPending), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox %s failed: %w", id, err)
	}
	return nil
}

// PurgePublished deletes entries relayed before cutoff and returns how many
// were removed.
func (r *OutboxRepository) PurgePublished(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`DELETE FROM outbox WHERE status = $1 AND published_at < $2`,
		string(outbox.StatusPublished), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOutboxEntry(s scanner) (*outbox.Entry, error) {
	e := &outbox.Entry{}
	var (
		payload []byte
		status  string
	)
	if err := s.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload, &status,
		&e.RetryCount, &e.MaxRetries, &e.CreatedAt, &e.PublishedAt); err != nil {
		return nil, fmt.Errorf("scan outbox entry: %w", err)
	}
	e.Status = outbox.Status(status)
	e.Payload = map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal outbox %s payload: %w", e.ID, err)
		}
	}
	return e, nil
}
