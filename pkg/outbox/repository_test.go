package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ordermesh/ordermesh-backend/pkg/db"
	"github.com/ordermesh/ordermesh-backend/pkg/db/models"
	"github.com/ordermesh/ordermesh-backend/pkg/enums"
)

func openOutboxTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, conn.Exec(`
		CREATE TABLE outbox_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at DATETIME NOT NULL,
			last_error TEXT,
			published_at DATETIME,
			created_at DATETIME
		)
	`).Error)
	require.NoError(t, conn.Exec(`
		CREATE TABLE outbox_dlq (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			error_reason TEXT NOT NULL,
			error_message TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			failed_at DATETIME,
			created_at DATETIME
		)
	`).Error)

	t.Cleanup(func() {
		sqlDB, err := conn.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

func seedOutboxEvent(t *testing.T, conn *gorm.DB, status enums.OutboxStatus, nextAttemptAt, createdAt time.Time) models.OutboxEvent {
	t.Helper()
	row := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventOrderCreated,
		AggregateType: enums.AggregateOrder,
		AggregateID:   "order-1",
		Payload:       json.RawMessage(`{"version":1,"event_id":"e-1","data":{}}`),
		Status:        status,
		NextAttemptAt: nextAttemptAt,
		CreatedAt:     createdAt,
	}
	require.NoError(t, conn.Create(&row).Error)
	return row
}

func TestClaimPendingTxReturnsDueRowsOldestFirst(t *testing.T) {
	conn := openOutboxTestDB(t)
	repo := NewRepository(conn)
	now := time.Now().UTC()

	older := seedOutboxEvent(t, conn, enums.OutboxStatusPending, now.Add(-time.Minute), now.Add(-2*time.Hour))
	newer := seedOutboxEvent(t, conn, enums.OutboxStatusPending, now.Add(-time.Minute), now.Add(-time.Hour))
	seedOutboxEvent(t, conn, enums.OutboxStatusPending, now.Add(time.Hour), now.Add(-time.Hour)) // not due yet
	seedOutboxEvent(t, conn, enums.OutboxStatusSent, now.Add(-time.Minute), now.Add(-time.Hour))
	seedOutboxEvent(t, conn, enums.OutboxStatusFailed, now.Add(-time.Minute), now.Add(-time.Hour))

	rows, err := repo.ClaimPendingTx(conn, 10, now)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, older.ID, rows[0].ID)
	assert.Equal(t, newer.ID, rows[1].ID)

	limited, err := repo.ClaimPendingTx(conn, 1, now)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, older.ID, limited[0].ID)
}

func TestMarkSentTxIsIdempotent(t *testing.T) {
	conn := openOutboxTestDB(t)
	repo := NewRepository(conn)
	now := time.Now().UTC()
	event := seedOutboxEvent(t, conn, enums.OutboxStatusPending, now, now)

	require.NoError(t, repo.MarkSentTx(conn, event.ID, now))

	var stored models.OutboxEvent
	require.NoError(t, conn.First(&stored, "id = ?", event.ID).Error)
	assert.Equal(t, enums.OutboxStatusSent, stored.Status)
	require.NotNil(t, stored.PublishedAt)

	// replaying over a sent row must not touch it
	require.NoError(t, repo.MarkSentTx(conn, event.ID, now.Add(time.Hour)))
	var replayed models.OutboxEvent
	require.NoError(t, conn.First(&replayed, "id = ?", event.ID).Error)
	assert.Equal(t, stored.PublishedAt.Unix(), replayed.PublishedAt.Unix())
}

func TestMarkRetryTxRecordsScheduleAndError(t *testing.T) {
	conn := openOutboxTestDB(t)
	repo := NewRepository(conn)
	now := time.Now().UTC()
	event := seedOutboxEvent(t, conn, enums.OutboxStatusPending, now, now)
	next := now.Add(4 * time.Second)

	require.NoError(t, repo.MarkRetryTx(conn, event.ID, 3, next, errors.New("broker unavailable")))

	var stored models.OutboxEvent
	require.NoError(t, conn.First(&stored, "id = ?", event.ID).Error)
	assert.Equal(t, enums.OutboxStatusPending, stored.Status)
	assert.Equal(t, 3, stored.AttemptCount)
	assert.Equal(t, next.Unix(), stored.NextAttemptAt.Unix())
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "broker unavailable", *stored.LastError)
}

func TestMarkFailedTxFlipsStatus(t *testing.T) {
	conn := openOutboxTestDB(t)
	repo := NewRepository(conn)
	now := time.Now().UTC()
	event := seedOutboxEvent(t, conn, enums.OutboxStatusPending, now, now)

	require.NoError(t, repo.MarkFailedTx(conn, event.ID, 10, errors.New("max publish attempts reached")))

	var stored models.OutboxEvent
	require.NoError(t, conn.First(&stored, "id = ?", event.ID).Error)
	assert.Equal(t, enums.OutboxStatusFailed, stored.Status)
	assert.Equal(t, 10, stored.AttemptCount)
}

func TestRequeueResetsFailedRow(t *testing.T) {
	conn := openOutboxTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	now := time.Now().UTC()

	event := seedOutboxEvent(t, conn, enums.OutboxStatusFailed, now.Add(-time.Hour), now.Add(-time.Hour))
	require.NoError(t, conn.Model(&models.OutboxEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]any{"attempt_count": 10, "last_error": "max publish attempts reached"}).Error)

	require.NoError(t, repo.Requeue(ctx, event.ID, now))

	var stored models.OutboxEvent
	require.NoError(t, conn.First(&stored, "id = ?", event.ID).Error)
	assert.Equal(t, enums.OutboxStatusPending, stored.Status)
	assert.Equal(t, 0, stored.AttemptCount)
	assert.Nil(t, stored.LastError)
	assert.Equal(t, now.Unix(), stored.NextAttemptAt.Unix())
}

func TestRequeueRejectsNonFailedRows(t *testing.T) {
	conn := openOutboxTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	now := time.Now().UTC()

	pending := seedOutboxEvent(t, conn, enums.OutboxStatusPending, now, now)
	sent := seedOutboxEvent(t, conn, enums.OutboxStatusSent, now, now)

	assert.ErrorIs(t, repo.Requeue(ctx, pending.ID, now), ErrNotRequeueable)
	assert.ErrorIs(t, repo.Requeue(ctx, sent.ID, now), ErrNotRequeueable)
	assert.ErrorIs(t, repo.Requeue(ctx, uuid.New(), now), ErrNotRequeueable)
}

func TestDeleteSentBeforeOnlyPurgesOldSentRows(t *testing.T) {
	conn := openOutboxTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	now := time.Now().UTC()
	cutoff := now.Add(-24 * time.Hour)

	oldSent := seedOutboxEvent(t, conn, enums.OutboxStatusSent, now, now.Add(-48*time.Hour))
	publishedAt := now.Add(-48 * time.Hour)
	require.NoError(t, conn.Model(&models.OutboxEvent{}).
		Where("id = ?", oldSent.ID).
		Update("published_at", publishedAt).Error)

	freshSent := seedOutboxEvent(t, conn, enums.OutboxStatusSent, now, now)
	require.NoError(t, conn.Model(&models.OutboxEvent{}).
		Where("id = ?", freshSent.ID).
		Update("published_at", now).Error)

	oldFailed := seedOutboxEvent(t, conn, enums.OutboxStatusFailed, now, now.Add(-48*time.Hour))

	deleted, err := repo.DeleteSentBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var remaining []models.OutboxEvent
	require.NoError(t, conn.Find(&remaining).Error)
	require.Len(t, remaining, 2)
	ids := []uuid.UUID{remaining[0].ID, remaining[1].ID}
	assert.Contains(t, ids, freshSent.ID)
	assert.Contains(t, ids, oldFailed.ID)
}

func TestServiceEmitWritesPendingEnvelopeRow(t *testing.T) {
	conn := openOutboxTestDB(t)
	client := db.NewWithConn(conn)
	svc := NewService(NewRepository(conn), nil)
	ctx := context.Background()

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.Emit(ctx, tx, DomainEvent{
			EventType:     enums.EventAccountCreated,
			AggregateType: enums.AggregateAccount,
			AggregateID:   "acct-1",
			Data:          map[string]string{"user_id": "u-1"},
			Version:       1,
		})
	})
	require.NoError(t, err)

	var stored models.OutboxEvent
	require.NoError(t, conn.First(&stored).Error)
	assert.Equal(t, enums.EventAccountCreated, stored.EventType)
	assert.Equal(t, enums.OutboxStatusPending, stored.Status)
	assert.Equal(t, "acct-1", stored.AggregateID)
	assert.Zero(t, stored.AttemptCount)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(stored.Payload, &envelope))
	assert.Equal(t, 1, envelope.Version)
	assert.NotEmpty(t, envelope.EventID)
	assert.False(t, envelope.OccurredAt.IsZero())
	assert.JSONEq(t, `{"user_id":"u-1"}`, string(envelope.Data))
}

func TestServiceEmitRejectsInvalidEvents(t *testing.T) {
	conn := openOutboxTestDB(t)
	svc := NewService(NewRepository(conn), nil)
	ctx := context.Background()

	err := svc.Emit(ctx, conn, DomainEvent{
		EventType:     enums.OutboxEventType("order_exploded"),
		AggregateType: enums.AggregateOrder,
	})
	require.Error(t, err)

	err = svc.Emit(ctx, conn, DomainEvent{
		EventType:     enums.EventOrderCreated,
		AggregateType: enums.OutboxAggregateType("warehouse"),
	})
	require.Error(t, err)

	require.Error(t, svc.Emit(ctx, nil, DomainEvent{}))

	var count int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDLQRepositoryRoundTrip(t *testing.T) {
	conn := openOutboxTestDB(t)
	repo := NewDLQRepository(conn)
	ctx := context.Background()
	eventID := uuid.New()

	entry := models.OutboxDLQ{
		ID:            uuid.New(),
		EventID:       eventID,
		EventType:     enums.EventPaymentSettled,
		AggregateType: enums.AggregatePayment,
		AggregateID:   "pay-1",
		Payload:       json.RawMessage(`{"version":1}`),
		ErrorReason:   enums.DLQReasonMaxAttempts,
		ErrorMessage:  errorMessage(errors.New("broker unavailable")),
		AttemptCount:  10,
		FailedAt:      time.Now().UTC(),
	}
	require.NoError(t, repo.InsertTx(conn, entry))

	found, err := repo.FindByEventID(ctx, eventID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, enums.DLQReasonMaxAttempts, found.ErrorReason)

	listed, err := repo.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}
