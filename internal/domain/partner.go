package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"
)

type PartnerType string

const (
	PartnerFintech   PartnerType = "FINTECH"
	PartnerMerchant  PartnerType = "MERCHANT"
	PartnerProcessor PartnerType = "PROCESSOR"
	PartnerBank      PartnerType = "BANK"
)

const (
	DefaultRateLimitPerMinute = 60
	DefaultDailyQuota         = 10000

	// ScopeAll grants every scope.
	ScopeAll = "*"
)

type Partner struct {
	ID                 int64       `json:"partner_id"`
	Name               string      `json:"name"`
	Type               PartnerType `json:"type"`
	ContactEmail       string      `json:"contact_email"`
	WebhookURL         *string     `json:"webhook_url,omitempty"`
	AllowedScopes      []string    `json:"allowed_scopes"`
	RateLimitPerMinute int         `json:"rate_limit_per_minute"`
	DailyQuota         int         `json:"daily_quota"`
	IsActive           bool        `json:"is_active"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

func (p Partner) WebhookURLValue() string {
	if p.WebhookURL == nil {
		return ""
	}
	return *p.WebhookURL
}

func (p Partner) HasScope(scope string) bool {
	return HasScope(p.AllowedScopes, scope)
}

// HasScope reports whether scopes grants the required scope, either
// exactly or through the "*" wildcard.
func HasScope(scopes []string, required string) bool {
	return slices.Contains(scopes, required) || slices.Contains(scopes, ScopeAll)
}

type Subscription struct {
	ID            int64     `json:"subscription_id"`
	PartnerID     int64     `json:"partner_id"`
	EventType     string    `json:"event_type"`
	ScopeRequired string    `json:"scope_required"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// APIKey is a partner credential. Only the SHA-256 hash of the full key is stored.
type APIKey struct {
	ID         int64      `json:"key_id"`
	PartnerID  int64      `json:"partner_id"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	KeySuffix  string     `json:"key_suffix"`
	Scopes     []string   `json:"scopes,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	IsActive   bool       `json:"is_active"`
}

func (k APIKey) ExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// EffectiveScopes returns the key's own scopes when set, otherwise the partner's.
func (k APIKey) EffectiveScopes(p Partner) []string {
	if len(k.Scopes) > 0 {
		return k.Scopes
	}
	return p.AllowedScopes
}

// HashAPIKey returns the hex SHA-256 digest used to look keys up.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// PartnerUsage is the per-day request aggregate for one partner.
type PartnerUsage struct {
	PartnerID       int64     `json:"partner_id"`
	UsageDate       time.Time `json:"usage_date"`
	RequestCount    int64     `json:"request_count"`
	SuccessfulCount int64     `json:"successful_count"`
	FailedCount     int64     `json:"failed_count"`
}
