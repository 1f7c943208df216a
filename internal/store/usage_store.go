package store

import (
	"context"
	"fmt"
	"time"

	"github.com/carddemo/partner-events/internal/domain"
)

// RecordUsage adds one request to the partner's usage row for day. The row
// is created on the first request of the day. Two concurrent first requests
// race on the insert; the loser sees a unique violation and falls back to
// the update.
func (s *PostgresStore) RecordUsage(ctx context.Context, partnerID int64, day time.Time, success bool) error {
	var succ, fail int64
	if success {
		succ = 1
	} else {
		fail = 1
	}
	date := day.UTC().Format(time.DateOnly)

	updated, err := s.incrementUsage(ctx, partnerID, date, succ, fail)
	if err != nil {
		return err
	}
	if updated {
		return nil
	}

	_, err = s.executor(ctx).Exec(ctx, `
		INSERT INTO partner_daily_usage (partner_id, usage_date, request_count, successful_count, failed_count)
		VALUES ($1, $2, 1, $3, $4)
	`, partnerID, date, succ, fail)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("inserting usage for partner %d: %w", partnerID, err)
	}

	updated, err = s.incrementUsage(ctx, partnerID, date, succ, fail)
	if err != nil {
		return err
	}
	if !updated {
		return fmt.Errorf("usage row for partner %d on %s vanished after conflict", partnerID, date)
	}
	return nil
}

func (s *PostgresStore) incrementUsage(ctx context.Context, partnerID int64, date string, succ, fail int64) (bool, error) {
	tag, err := s.executor(ctx).Exec(ctx, `
		UPDATE partner_daily_usage
		SET request_count = request_count + 1,
		    successful_count = successful_count + $3,
		    failed_count = failed_count + $4
		WHERE partner_id = $1 AND usage_date = $2
	`, partnerID, date, succ, fail)
	if err != nil {
		return false, fmt.Errorf("updating usage for partner %d: %w", partnerID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListUsage returns the partner's daily usage rows from since onwards, newest first.
func (s *PostgresStore) ListUsage(ctx context.Context, partnerID int64, since time.Time) ([]domain.PartnerUsage, error) {
	query, args, err := psql.
		Select("partner_id", "usage_date", "request_count", "successful_count", "failed_count").
		From("partner_daily_usage").
		Where("partner_id = ?", partnerID).
		Where("usage_date >= ?", since.Format(time.DateOnly)).
		OrderBy("usage_date DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building usage query: %w", err)
	}

	rows, err := s.executor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer rows.Close()

	usage := []domain.PartnerUsage{}
	for rows.Next() {
		var u domain.PartnerUsage
		if err := rows.Scan(&u.PartnerID, &u.UsageDate, &u.RequestCount, &u.SuccessfulCount, &u.FailedCount); err != nil {
			return nil, fmt.Errorf("scanning usage: %w", err)
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}
