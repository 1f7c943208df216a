package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func post(t *testing.T, h http.Handler, path, secret, signature string) int {
	t.Helper()
	body := []byte(`{"eventType":"AccountUpdated"}`)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("X-Webhook-Secret", secret)
	if signature == "" {
		signature = sign(body, secret)
	}
	req.Header.Set("X-Webhook-Signature", signature)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func newTestReceiver() http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newReceiver("s3cret", 10*time.Millisecond, logger).routes()
}

func TestReceiver_Routes(t *testing.T) {
	h := newTestReceiver()

	assert.Equal(t, http.StatusOK, post(t, h, "/webhook/success", "s3cret", ""))
	assert.Equal(t, http.StatusInternalServerError, post(t, h, "/webhook/fail", "s3cret", ""))
	assert.Equal(t, http.StatusOK, post(t, h, "/webhook/slow", "s3cret", ""))
}

func TestReceiver_RejectsWrongSecret(t *testing.T) {
	h := newTestReceiver()
	assert.Equal(t, http.StatusUnauthorized, post(t, h, "/webhook/success", "nope", ""))
}

func TestReceiver_RejectsBadSignature(t *testing.T) {
	h := newTestReceiver()
	assert.Equal(t, http.StatusUnauthorized, post(t, h, "/webhook/success", "s3cret", "sha256=deadbeef"))
}

func TestReceiver_FlakyAlternates(t *testing.T) {
	h := newTestReceiver()

	require.Equal(t, http.StatusServiceUnavailable, post(t, h, "/webhook/flaky", "s3cret", ""))
	assert.Equal(t, http.StatusOK, post(t, h, "/webhook/flaky", "s3cret", ""))
	assert.Equal(t, http.StatusServiceUnavailable, post(t, h, "/webhook/flaky", "s3cret", ""))
}
