package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/carddemo/partner-events/internal/domain"
)

// Error codes reported when a credential is refused.
const (
	CodeMissingAPIKey     = "MISSING_API_KEY"
	CodeInvalidAPIKey     = "INVALID_API_KEY"
	CodeExpiredAPIKey     = "EXPIRED_API_KEY"
	CodePartnerInactive   = "PARTNER_INACTIVE"
	CodeInsufficientScope = "INSUFFICIENT_SCOPE"
)

// KeyStore is the read-only partner lookup the authenticator needs.
type KeyStore interface {
	FindAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error)
	GetPartner(ctx context.Context, id int64) (*domain.Partner, error)
	TouchAPIKey(ctx context.Context, keyID int64, at time.Time) error
}

// Principal is an authenticated partner together with its effective scopes.
type Principal struct {
	PartnerID          int64    `json:"partner_id"`
	PartnerName        string   `json:"partner_name"`
	PartnerType        string   `json:"partner_type"`
	Scopes             []string `json:"scopes"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	DailyQuota         int      `json:"daily_quota"`
}

func (p *Principal) HasScope(scope string) bool {
	return domain.HasScope(p.Scopes, scope)
}

// Authenticator resolves raw API keys to partners.
type Authenticator struct {
	store  KeyStore
	logger *slog.Logger
	now    func() time.Time
}

func NewAuthenticator(store KeyStore, logger *slog.Logger) *Authenticator {
	return &Authenticator{store: store, logger: logger, now: time.Now}
}

// Authenticate validates rawKey. Refusals wrap one of ErrMissingAPIKey,
// ErrInvalidAPIKey, ErrExpiredAPIKey or ErrPartnerInactive.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (*Principal, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, domain.ErrMissingAPIKey
	}

	key, err := a.store.FindAPIKeyByHash(ctx, domain.HashAPIKey(rawKey))
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrInvalidAPIKey
	}
	now := a.now()
	if key.ExpiredAt(now) {
		return nil, domain.ErrExpiredAPIKey
	}

	partner, err := a.store.GetPartner(ctx, key.PartnerID)
	if err != nil {
		return nil, fmt.Errorf("looking up partner %d: %w", key.PartnerID, err)
	}
	if partner == nil || !partner.IsActive {
		return nil, domain.ErrPartnerInactive
	}

	if err := a.store.TouchAPIKey(ctx, key.ID, now); err != nil {
		a.logger.Warn("failed to update api key last use", "key_id", key.ID, "error", err)
	}

	return &Principal{
		PartnerID:          partner.ID,
		PartnerName:        partner.Name,
		PartnerType:        string(partner.Type),
		Scopes:             key.EffectiveScopes(*partner),
		RateLimitPerMinute: partner.RateLimitPerMinute,
		DailyQuota:         partner.DailyQuota,
	}, nil
}

// AuthErrorCode maps an Authenticate error to its partner-facing code and
// message. ok is false for errors that are not credential refusals.
func AuthErrorCode(err error) (code, message string, ok bool) {
	switch {
	case errors.Is(err, domain.ErrMissingAPIKey):
		return CodeMissingAPIKey, "API key is required", true
	case errors.Is(err, domain.ErrInvalidAPIKey):
		return CodeInvalidAPIKey, "API key is invalid or has been revoked", true
	case errors.Is(err, domain.ErrExpiredAPIKey):
		return CodeExpiredAPIKey, "API key has expired", true
	case errors.Is(err, domain.ErrPartnerInactive):
		return CodePartnerInactive, "Partner account is inactive", true
	}
	return "", "", false
}
