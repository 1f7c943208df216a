package domain

import "errors"

var (
	ErrSerialization    = errors.New("event serialization failed")
	ErrUnknownEventType = errors.New("unknown event type")

	ErrMissingAPIKey      = errors.New("API key is required")
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrExpiredAPIKey      = errors.New("API key has expired")
	ErrPartnerInactive    = errors.New("partner account is inactive")
	ErrInsufficientScope  = errors.New("insufficient scope")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrDailyQuotaExceeded = errors.New("daily quota exceeded")

	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrNotDeadLetter    = errors.New("delivery is not in dead letter state")
)
