package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/carddemo/partner-events/internal/domain"
	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `delivery_id, event_id, event_type, partner_id, webhook_url, payload, status,
	attempt_count, next_attempt_at, last_error, created_at, completed_at`

func scanDelivery(row pgx.Row, extra ...any) (domain.Delivery, error) {
	var d domain.Delivery
	dest := []any{
		&d.ID, &d.EventID, &d.EventType, &d.PartnerID, &d.WebhookURL, &d.Payload, &d.Status,
		&d.AttemptCount, &d.NextAttemptAt, &d.LastError, &d.CreatedAt, &d.CompletedAt,
	}
	err := row.Scan(append(dest, extra...)...)
	return d, err
}

// CreateDelivery inserts d unless a delivery for the same (event, partner)
// pair already exists. It reports whether a row was inserted.
func (s *PostgresStore) CreateDelivery(ctx context.Context, d *domain.Delivery) (bool, error) {
	err := s.executor(ctx).QueryRow(ctx, `
		INSERT INTO webhook_deliveries (event_id, event_type, partner_id, webhook_url, payload, status, attempt_count, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id, partner_id) DO NOTHING
		RETURNING delivery_id
	`, d.EventID, d.EventType, d.PartnerID, d.WebhookURL, d.Payload, d.Status, d.AttemptCount, d.NextAttemptAt, d.CreatedAt).Scan(&d.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("inserting delivery for event %s partner %d: %w", d.EventID, d.PartnerID, err)
	}
	return true, nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id int64) (*domain.Delivery, error) {
	d, err := scanDelivery(s.executor(ctx).QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE delivery_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery %d: %w", id, err)
	}
	return &d, nil
}

// SaveDeliveryOutcome persists the state-machine fields of d.
func (s *PostgresStore) SaveDeliveryOutcome(ctx context.Context, d *domain.Delivery) error {
	tag, err := s.executor(ctx).Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempt_count = $3, next_attempt_at = $4, last_error = $5, completed_at = $6
		WHERE delivery_id = $1
	`, d.ID, d.Status, d.AttemptCount, d.NextAttemptAt, d.LastError, d.CompletedAt)
	if err != nil {
		return fmt.Errorf("updating delivery %d: %w", d.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDeliveryNotFound
	}
	return nil
}

// ClaimReadyDeliveries selects up to limit deliveries that are due at now and
// pushes their next_attempt_at to leaseUntil in the same statement. Rows
// locked by a concurrent claimer are skipped, so two schedulers never claim
// the same delivery. Results are ordered by their original due time.
func (s *PostgresStore) ClaimReadyDeliveries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.Delivery, error) {
	rows, err := s.executor(ctx).Query(ctx, `
		WITH ready AS (
			SELECT delivery_id, next_attempt_at AS due_at
			FROM webhook_deliveries
			WHERE status IN ('PENDING', 'FAILED')
			  AND attempt_count < $3
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY next_attempt_at ASC NULLS FIRST
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE webhook_deliveries d
		SET next_attempt_at = $2
		FROM ready
		WHERE d.delivery_id = ready.delivery_id
		RETURNING d.delivery_id, d.event_id, d.event_type, d.partner_id, d.webhook_url, d.payload, d.status,
			d.attempt_count, d.next_attempt_at, d.last_error, d.created_at, d.completed_at, ready.due_at
	`, now, leaseUntil, domain.MaxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming ready deliveries: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		d     domain.Delivery
		dueAt *time.Time
	}
	var batch []claimed
	for rows.Next() {
		var dueAt *time.Time
		d, err := scanDelivery(rows, &dueAt)
		if err != nil {
			return nil, fmt.Errorf("scanning claimed delivery: %w", err)
		}
		batch = append(batch, claimed{d: d, dueAt: dueAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claimed deliveries: %w", err)
	}

	sort.SliceStable(batch, func(i, j int) bool {
		a, b := batch[i].dueAt, batch[j].dueAt
		if a == nil {
			return b != nil
		}
		return b != nil && a.Before(*b)
	})

	deliveries := make([]domain.Delivery, 0, len(batch))
	for _, c := range batch {
		deliveries = append(deliveries, c.d)
	}
	return deliveries, nil
}

// ResetDeadLetter returns a DEAD_LETTER delivery to PENDING with a fresh
// attempt budget. next_attempt_at is set to claimUntil so the scheduler does
// not pick the delivery up while the caller dispatches it. Returns nil when
// the delivery is not dead-lettered.
func (s *PostgresStore) ResetDeadLetter(ctx context.Context, id int64, claimUntil time.Time) (*domain.Delivery, error) {
	d, err := scanDelivery(s.executor(ctx).QueryRow(ctx, `
		UPDATE webhook_deliveries
		SET status = 'PENDING', attempt_count = 0, next_attempt_at = $2, completed_at = NULL
		WHERE delivery_id = $1 AND status = 'DEAD_LETTER'
		RETURNING `+deliveryColumns, id, claimUntil))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("resetting delivery %d: %w", id, err)
	}
	return &d, nil
}

// DeliveryFilter narrows ListDeliveries. Zero values are ignored.
type DeliveryFilter struct {
	Statuses  []domain.DeliveryStatus
	PartnerID int64
	Since     time.Time
	DueBefore time.Time
	Limit     int
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]domain.Delivery, error) {
	q := psql.Select(deliveryColumns).From("webhook_deliveries")

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where(sq.Eq{"status": statuses})
	}
	if f.PartnerID > 0 {
		q = q.Where(sq.Eq{"partner_id": f.PartnerID})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": f.Since})
	}
	if !f.DueBefore.IsZero() {
		q = q.Where(sq.Or{sq.Eq{"next_attempt_at": nil}, sq.LtOrEq{"next_attempt_at": f.DueBefore}}).
			OrderBy("next_attempt_at ASC NULLS FIRST")
	} else {
		q = q.OrderBy("created_at DESC")
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building delivery query: %w", err)
	}

	rows, err := s.executor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []domain.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deliveries: %w", err)
	}

	return deliveries, nil
}

func (s *PostgresStore) DeliveryStats(ctx context.Context) (domain.DeliveryStats, error) {
	var st domain.DeliveryStats
	err := s.executor(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE status = 'SUCCESS'),
			COUNT(*) FILTER (WHERE status = 'DEAD_LETTER')
		FROM webhook_deliveries
	`).Scan(&st.Pending, &st.Failed, &st.Success, &st.DeadLetter)
	if err != nil {
		return st, fmt.Errorf("querying delivery stats: %w", err)
	}
	return st, nil
}
