package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/carddemo/partner-events/internal/domain"
)

type fakeKeyStore struct {
	keys     map[string]domain.APIKey
	partners map[int64]domain.Partner
	touched  []int64
}

func (s *fakeKeyStore) FindAPIKeyByHash(_ context.Context, hash string) (*domain.APIKey, error) {
	k, ok := s.keys[hash]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

func (s *fakeKeyStore) GetPartner(_ context.Context, id int64) (*domain.Partner, error) {
	p, ok := s.partners[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *fakeKeyStore) TouchAPIKey(_ context.Context, keyID int64, _ time.Time) error {
	s.touched = append(s.touched, keyID)
	return nil
}

func setupAuthenticator(t *testing.T) (*Authenticator, *fakeKeyStore) {
	t.Helper()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	store := &fakeKeyStore{
		keys: map[string]domain.APIKey{
			domain.HashAPIKey("pk_live_good"):     {ID: 1, PartnerID: 10, IsActive: true},
			domain.HashAPIKey("pk_live_narrow"):   {ID: 2, PartnerID: 10, IsActive: true, Scopes: []string{domain.ScopeCardsRead}},
			domain.HashAPIKey("pk_live_expired"):  {ID: 3, PartnerID: 10, IsActive: true, ExpiresAt: &past},
			domain.HashAPIKey("pk_live_inactive"): {ID: 4, PartnerID: 20, IsActive: true},
		},
		partners: map[int64]domain.Partner{
			10: {ID: 10, Name: "Acme Pay", Type: domain.PartnerFintech, IsActive: true,
				AllowedScopes: []string{domain.ScopeAccountsRead, domain.ScopeCardsRead}, RateLimitPerMinute: 120, DailyQuota: 500},
			20: {ID: 20, Name: "Gone Bank", Type: domain.PartnerBank, IsActive: false},
		},
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	a := NewAuthenticator(store, logger)
	a.now = func() time.Time { return now }
	return a, store
}

func TestAuthenticator_Refusals(t *testing.T) {
	a, _ := setupAuthenticator(t)

	tests := []struct {
		name     string
		key      string
		wantErr  error
		wantCode string
	}{
		{"missing", "  ", domain.ErrMissingAPIKey, CodeMissingAPIKey},
		{"unknown", "pk_live_nope", domain.ErrInvalidAPIKey, CodeInvalidAPIKey},
		{"expired", "pk_live_expired", domain.ErrExpiredAPIKey, CodeExpiredAPIKey},
		{"inactive partner", "pk_live_inactive", domain.ErrPartnerInactive, CodePartnerInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := a.Authenticate(context.Background(), tt.key)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if p != nil {
				t.Error("refused key must not yield a principal")
			}
			if code, _, ok := AuthErrorCode(err); !ok || code != tt.wantCode {
				t.Errorf("code = %q ok=%v, want %q", code, ok, tt.wantCode)
			}
		})
	}
}

func TestAuthenticator_ValidKeyInheritsPartnerScopes(t *testing.T) {
	a, store := setupAuthenticator(t)

	p, err := a.Authenticate(context.Background(), "pk_live_good")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.PartnerID != 10 || p.RateLimitPerMinute != 120 || p.DailyQuota != 500 {
		t.Errorf("unexpected principal: %+v", p)
	}
	if !p.HasScope(domain.ScopeAccountsRead) || p.HasScope(domain.ScopeTransactionsRead) {
		t.Errorf("scopes = %v", p.Scopes)
	}
	if len(store.touched) != 1 || store.touched[0] != 1 {
		t.Errorf("last use not recorded: %v", store.touched)
	}
}

func TestAuthenticator_KeyScopesOverridePartner(t *testing.T) {
	a, _ := setupAuthenticator(t)

	p, err := a.Authenticate(context.Background(), "pk_live_narrow")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.HasScope(domain.ScopeAccountsRead) {
		t.Error("key scopes should replace the partner's")
	}
	if !p.HasScope(domain.ScopeCardsRead) {
		t.Error("key scope missing")
	}
}

func TestAuthErrorCode_OtherErrors(t *testing.T) {
	if _, _, ok := AuthErrorCode(errors.New("db down")); ok {
		t.Error("infrastructure errors are not credential refusals")
	}
}
