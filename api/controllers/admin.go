package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ordermesh/ordermesh-backend/api/responses"
	"github.com/ordermesh/ordermesh-backend/pkg/db/models"
	pkgerrors "github.com/ordermesh/ordermesh-backend/pkg/errors"
	"github.com/ordermesh/ordermesh-backend/pkg/logger"
	"github.com/ordermesh/ordermesh-backend/pkg/outbox"
)

const defaultDLQPageSize = 50

type outboxRequeuer interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.OutboxEvent, error)
	Requeue(ctx context.Context, id uuid.UUID, now time.Time) error
}

type outboxDLQLister interface {
	List(ctx context.Context, limit int) ([]models.OutboxDLQ, error)
}

type inboxDLQLister interface {
	List(ctx context.Context, consumerName string, limit int) ([]models.InboxDLQ, error)
}

type outboxDLQEntry struct {
	ID           uuid.UUID       `json:"id"`
	EventID      uuid.UUID       `json:"eventId"`
	EventType    string          `json:"eventType"`
	AggregateID  string          `json:"aggregateId"`
	Payload      json.RawMessage `json:"payload"`
	ErrorReason  string          `json:"errorReason"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	AttemptCount int             `json:"attemptCount"`
	FailedAt     time.Time       `json:"failedAt"`
}

type inboxDLQEntry struct {
	ID           uuid.UUID       `json:"id"`
	MessageID    string          `json:"messageId"`
	ConsumerName string          `json:"consumerName"`
	EventType    string          `json:"eventType"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorReason  string          `json:"errorReason"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	AttemptCount int             `json:"attemptCount"`
	FailedAt     time.Time       `json:"failedAt"`
}

// OutboxRequeue moves a failed outbox event back to pending with a fresh
// attempt budget. Only failed rows can be requeued.
func OutboxRequeue(repo outboxRequeuer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid event id"))
			return
		}

		event, err := repo.FindByID(r.Context(), eventID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading outbox event"))
			return
		}
		if event == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "outbox event not found"))
			return
		}

		if err := repo.Requeue(r.Context(), eventID, time.Now().UTC()); err != nil {
			if errors.Is(err, outbox.ErrNotRequeueable) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeConflict, "only failed events can be requeued"))
				return
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "requeueing outbox event"))
			return
		}

		if logg != nil {
			logCtx := logg.WithField(r.Context(), "event_id", eventID.String())
			logg.Info(logCtx, "outbox event requeued")
		}
		responses.WriteSuccess(w, map[string]string{"eventId": eventID.String(), "status": "pending"})
	}
}

// OutboxDLQList returns dead-lettered outbox events, newest failures first.
func OutboxDLQList(repo outboxDLQLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseLimit(r, defaultDLQPageSize)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rows, err := repo.List(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing outbox dead letters"))
			return
		}

		entries := make([]outboxDLQEntry, 0, len(rows))
		for _, row := range rows {
			entries = append(entries, outboxDLQEntry{
				ID:           row.ID,
				EventID:      row.EventID,
				EventType:    string(row.EventType),
				AggregateID:  row.AggregateID,
				Payload:      row.Payload,
				ErrorReason:  string(row.ErrorReason),
				ErrorMessage: row.ErrorMessage,
				AttemptCount: row.AttemptCount,
				FailedAt:     row.FailedAt,
			})
		}
		responses.WriteSuccess(w, entries)
	}
}

// InboxDLQList returns poison messages for a consumer, newest failures first.
func InboxDLQList(repo inboxDLQLister, consumerName string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseLimit(r, defaultDLQPageSize)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		consumer := r.URL.Query().Get("consumer")
		if consumer == "" {
			consumer = consumerName
		}

		rows, err := repo.List(r.Context(), consumer, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing inbox dead letters"))
			return
		}

		entries := make([]inboxDLQEntry, 0, len(rows))
		for _, row := range rows {
			entries = append(entries, inboxDLQEntry{
				ID:           row.ID,
				MessageID:    row.MessageID,
				ConsumerName: row.ConsumerName,
				EventType:    row.EventType,
				Payload:      row.Payload,
				ErrorReason:  string(row.ErrorReason),
				ErrorMessage: row.ErrorMessage,
				AttemptCount: row.AttemptCount,
				FailedAt:     row.FailedAt,
			})
		}
		responses.WriteSuccess(w, entries)
	}
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "limit must be a positive integer")
	}
	return limit, nil
}
