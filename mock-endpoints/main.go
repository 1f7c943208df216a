// Command mock-endpoints runs local partner webhook receivers for trying
// the delivery pipeline end to end.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const defaultSecret = "carddemo-webhook-secret"

type receiver struct {
	secret    string
	slowDelay time.Duration
	logger    *slog.Logger

	requests atomic.Int64
	flaky    atomic.Int64
}

func newReceiver(secret string, slowDelay time.Duration, logger *slog.Logger) *receiver {
	return &receiver{secret: secret, slowDelay: slowDelay, logger: logger}
}

func (rc *receiver) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/webhook", func(r chi.Router) {
		r.Use(rc.verify)
		r.Post("/success", rc.success)
		r.Post("/fail", rc.fail)
		r.Post("/slow", rc.slow)
		r.Post("/flaky", rc.flakyHandler)
	})
	r.Get("/stats", rc.stats)

	return r
}

// verify rejects requests without the shared secret or with a signature
// that does not match the body.
func (rc *receiver) verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := rc.requests.Add(1)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			reply(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if r.Header.Get("X-Webhook-Secret") != rc.secret {
			rc.log(r, count, http.StatusUnauthorized)
			reply(w, http.StatusUnauthorized, map[string]string{"error": "invalid webhook secret"})
			return
		}
		if sig := r.Header.Get("X-Webhook-Signature"); sig != "" && !validSignature(body, sig, rc.secret) {
			rc.log(r, count, http.StatusUnauthorized)
			reply(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}

		next.ServeHTTP(w, r)
		rc.log(r, count, 0)
	})
}

func (rc *receiver) success(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusOK, map[string]string{"status": "received"})
}

func (rc *receiver) fail(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func (rc *receiver) slow(w http.ResponseWriter, r *http.Request) {
	select {
	case <-time.After(rc.slowDelay):
	case <-r.Context().Done():
		return
	}
	reply(w, http.StatusOK, map[string]string{"status": "received (slow)"})
}

// flakyHandler fails every odd-numbered call.
func (rc *receiver) flakyHandler(w http.ResponseWriter, r *http.Request) {
	if rc.flaky.Add(1)%2 == 1 {
		reply(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
		return
	}
	reply(w, http.StatusOK, map[string]string{"status": "received (flaky)"})
}

func (rc *receiver) stats(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusOK, map[string]int64{"total_requests": rc.requests.Load()})
}

func (rc *receiver) log(r *http.Request, count int64, status int) {
	attrs := []any{
		"n", count,
		"path", r.URL.Path,
		"event_id", r.Header.Get("X-Event-Id"),
		"delivery_id", r.Header.Get("X-Delivery-Id"),
	}
	if status != 0 {
		attrs = append(attrs, "status", status)
	}
	rc.logger.Info("webhook received", attrs...)
}

func validSignature(body []byte, header, secret string) bool {
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal([]byte(got), []byte(hex.EncodeToString(mac.Sum(nil))))
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	secret := defaultSecret
	if s := os.Getenv("WEBHOOK_SECRET"); s != "" {
		secret = s
	}

	rc := newReceiver(secret, 3*time.Second, logger)

	logger.Info("mock partner endpoints starting", "port", port,
		"routes", []string{"POST /webhook/success", "POST /webhook/fail", "POST /webhook/slow", "POST /webhook/flaky", "GET /stats"})

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           rc.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
