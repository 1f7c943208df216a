package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/carddemo/partner-events/internal/domain"
	"github.com/carddemo/partner-events/internal/store"
)

const maxEventBytes = 1 << 20

// OutboxWriter appends events inside the caller's transaction.
type OutboxWriter interface {
	AppendEvent(ctx context.Context, e domain.DomainEvent) (*domain.OutboxRecord, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventHandler accepts events from services that cannot write the outbox
// table themselves.
type EventHandler struct {
	outbox   OutboxWriter
	validate *validator.Validate
	logger   *slog.Logger
}

func NewEventHandler(outbox OutboxWriter, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		outbox:   outbox,
		validate: validator.New(),
		logger:   logger,
	}
}

type ingestResponse struct {
	OutboxID  int64  `json:"outbox_id"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Topic     string `json:"topic"`
}

// Ingest validates a typed event by its discriminator and appends it to the
// outbox.
func (h *EventHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	event, err := domain.DecodeEvent(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	meta := event.Meta()
	if err := h.validate.Struct(meta); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if meta.SchemaVersion == "" {
		meta.SchemaVersion = domain.SchemaVersion
	}

	var rec *domain.OutboxRecord
	err = h.outbox.WithinTransaction(r.Context(), func(ctx context.Context) error {
		var err error
		rec, err = h.outbox.AppendEvent(ctx, event)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			respondError(w, http.StatusConflict, "event already accepted")
			return
		}
		h.logger.Error("failed to append event", "event_id", meta.EventID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to append event")
		return
	}

	h.logger.Info("event accepted", "event_id", meta.EventID, "event_type", meta.EventType, "outbox_id", rec.ID)

	respondJSON(w, http.StatusAccepted, ingestResponse{
		OutboxID:  rec.ID,
		EventID:   meta.EventID,
		EventType: meta.EventType,
		Topic:     event.Topic(),
	})
}

// validationMessage names the offending envelope fields.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Field()+" failed "+fe.Tag())
	}
	return "invalid envelope: " + strings.Join(msgs, ", ")
}
