package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carddemo/partner-events/internal/domain"
	"github.com/jackc/pgx/v5"
)

const partnerColumns = `p.partner_id, p.name, p.partner_type, p.contact_email, p.webhook_url, p.allowed_scopes,
	p.rate_limit_per_minute, p.daily_quota, p.is_active, p.created_at, p.updated_at`

func scanPartner(row pgx.Row) (domain.Partner, error) {
	var p domain.Partner
	err := row.Scan(
		&p.ID, &p.Name, &p.Type, &p.ContactEmail, &p.WebhookURL, &p.AllowedScopes,
		&p.RateLimitPerMinute, &p.DailyQuota, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

func (s *PostgresStore) queryPartners(ctx context.Context, query string, args ...any) ([]domain.Partner, error) {
	rows, err := s.executor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying partners: %w", err)
	}
	defer rows.Close()

	var partners []domain.Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning partner: %w", err)
		}
		partners = append(partners, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating partners: %w", err)
	}

	if partners == nil {
		partners = []domain.Partner{}
	}
	return partners, nil
}

// ListSubscribedPartners returns active partners with a webhook URL and an
// active subscription to eventType.
func (s *PostgresStore) ListSubscribedPartners(ctx context.Context, eventType string) ([]domain.Partner, error) {
	return s.queryPartners(ctx, `
		SELECT `+partnerColumns+`
		FROM webhook_subscriptions ws
		JOIN partners p ON p.partner_id = ws.partner_id
		WHERE ws.event_type = $1
		  AND ws.is_active = true
		  AND p.is_active = true
		  AND p.webhook_url IS NOT NULL
		ORDER BY ws.subscription_id
	`, eventType)
}

// ListActivePartnersWithScope returns active partners with a webhook URL
// whose scopes grant scope.
func (s *PostgresStore) ListActivePartnersWithScope(ctx context.Context, scope string) ([]domain.Partner, error) {
	return s.queryPartners(ctx, `
		SELECT `+partnerColumns+`
		FROM partners p
		WHERE p.is_active = true
		  AND p.webhook_url IS NOT NULL
		  AND ($1 = ANY(p.allowed_scopes) OR '*' = ANY(p.allowed_scopes))
		ORDER BY p.partner_id
	`, scope)
}

func (s *PostgresStore) ListPartners(ctx context.Context) ([]domain.Partner, error) {
	return s.queryPartners(ctx, `SELECT `+partnerColumns+` FROM partners p ORDER BY p.partner_id`)
}

func (s *PostgresStore) GetPartner(ctx context.Context, id int64) (*domain.Partner, error) {
	p, err := scanPartner(s.executor(ctx).QueryRow(ctx,
		`SELECT `+partnerColumns+` FROM partners p WHERE p.partner_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying partner %d: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPartnerSubscriptions(ctx context.Context, partnerID int64) ([]domain.Subscription, error) {
	rows, err := s.executor(ctx).Query(ctx, `
		SELECT subscription_id, partner_id, event_type, scope_required, is_active, created_at
		FROM webhook_subscriptions
		WHERE partner_id = $1
		ORDER BY event_type
	`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		var sub domain.Subscription
		if err := rows.Scan(&sub.ID, &sub.PartnerID, &sub.EventType, &sub.ScopeRequired, &sub.IsActive, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// FindAPIKeyByHash looks up an active key by the SHA-256 hash of its full value.
func (s *PostgresStore) FindAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	var k domain.APIKey
	err := s.executor(ctx).QueryRow(ctx, `
		SELECT key_id, partner_id, api_key_hash, key_prefix, key_suffix, scopes, expires_at, last_used_at, is_active
		FROM partner_api_keys
		WHERE api_key_hash = $1 AND is_active = true
	`, hash).Scan(
		&k.ID, &k.PartnerID, &k.KeyHash, &k.KeyPrefix, &k.KeySuffix,
		&k.Scopes, &k.ExpiresAt, &k.LastUsedAt, &k.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	return &k, nil
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, keyID int64, at time.Time) error {
	_, err := s.executor(ctx).Exec(ctx, `UPDATE partner_api_keys SET last_used_at = $2 WHERE key_id = $1`, keyID, at)
	if err != nil {
		return fmt.Errorf("updating api key last_used_at: %w", err)
	}
	return nil
}
