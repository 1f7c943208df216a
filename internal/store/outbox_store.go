package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carddemo/partner-events/internal/domain"
)

// ErrDuplicateEvent is returned when an event id is appended twice.
var ErrDuplicateEvent = errors.New("event already in outbox")

const outboxColumns = "id, event_id, event_type, aggregate_id, payload, status, created_at, published_at"

// AppendOutbox inserts a PENDING outbox record. When ctx carries a
// transaction the insert joins it, so the record commits or rolls back with
// the caller's state change.
func (s *PostgresStore) AppendOutbox(ctx context.Context, rec *domain.OutboxRecord) error {
	err := s.executor(ctx).QueryRow(ctx, `
		INSERT INTO outbox_events (event_id, event_type, aggregate_id, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, rec.EventID, rec.EventType, rec.AggregateID, rec.Payload, domain.OutboxPending).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("inserting outbox record %s: %w", rec.EventID, ErrDuplicateEvent)
		}
		return fmt.Errorf("inserting outbox record %s: %w", rec.EventID, err)
	}
	rec.Status = domain.OutboxPending
	return nil
}

// AppendEvent serializes e and appends it to the outbox.
func (s *PostgresStore) AppendEvent(ctx context.Context, e domain.DomainEvent) (*domain.OutboxRecord, error) {
	rec, err := domain.NewOutboxRecord(e)
	if err != nil {
		return nil, err
	}
	if err := s.AppendOutbox(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// PollPendingOutbox returns up to limit PENDING records, oldest first.
func (s *PostgresStore) PollPendingOutbox(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	query, args, err := psql.Select(outboxColumns).
		From("outbox_events").
		Where("status = ?", domain.OutboxPending).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building outbox poll query: %w", err)
	}

	rows, err := s.executor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pending outbox: %w", err)
	}
	defer rows.Close()

	var records []domain.OutboxRecord
	for rows.Next() {
		var r domain.OutboxRecord
		if err := rows.Scan(&r.ID, &r.EventID, &r.EventType, &r.AggregateID, &r.Payload, &r.Status, &r.CreatedAt, &r.PublishedAt); err != nil {
			return nil, fmt.Errorf("scanning outbox record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) MarkOutboxPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := s.executor(ctx).Exec(ctx, `
		UPDATE outbox_events SET status = $2, published_at = $3
		WHERE id = $1 AND status = $4
	`, id, domain.OutboxPublished, at, domain.OutboxPending)
	if err != nil {
		return fmt.Errorf("marking outbox %d published: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkOutboxFailed(ctx context.Context, id int64) error {
	_, err := s.executor(ctx).Exec(ctx, `
		UPDATE outbox_events SET status = $2
		WHERE id = $1 AND status = $3
	`, id, domain.OutboxFailed, domain.OutboxPending)
	if err != nil {
		return fmt.Errorf("marking outbox %d failed: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) OutboxStats(ctx context.Context) (domain.OutboxStats, error) {
	var st domain.OutboxStats
	err := s.executor(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PUBLISHED'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM outbox_events
	`).Scan(&st.Pending, &st.Published, &st.Failed)
	if err != nil {
		return st, fmt.Errorf("querying outbox stats: %w", err)
	}
	return st, nil
}
