package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ordermesh/ordermesh-backend/pkg/db/models"
	"github.com/ordermesh/ordermesh-backend/pkg/enums"
)

// ErrNotRequeueable is returned when a requeue targets a row that is missing
// or not in the failed state.
var ErrNotRequeueable = errors.New("outbox event is not failed")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(tx *gorm.DB, event models.OutboxEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(&event).Error
}

// ClaimPendingTx locks up to limit due pending rows, oldest first, skipping
// rows locked by concurrent publisher instances. The locks are held until the
// surrounding transaction ends, which is what keeps horizontally scaled
// publishers from double-sending a row.
func (r *Repository) ClaimPendingTx(tx *gorm.DB, limit int, now time.Time) ([]models.OutboxEvent, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	query := tx.
		Where("status = ? AND next_attempt_at <= ?", enums.OutboxStatusPending, now).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit)
	// SQLite (tests) has no row locks; single-writer semantics make them moot there.
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var rows []models.OutboxEvent
	err := query.Find(&rows).Error
	return rows, err
}

// MarkSentTx finalizes a published row. The status guard makes a replay over
// an already-sent row a no-op.
func (r *Repository) MarkSentTx(tx *gorm.DB, id uuid.UUID, now time.Time) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusPending).
		Updates(map[string]any{
			"status":       enums.OutboxStatusSent,
			"published_at": now,
		}).Error
}

// MarkRetryTx schedules the next publish attempt for a row that failed
// transiently.
func (r *Repository) MarkRetryTx(tx *gorm.DB, id uuid.UUID, attempts int, nextAttemptAt time.Time, cause error) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempt_count":   attempts,
			"next_attempt_at": nextAttemptAt,
			"last_error":      errorMessage(cause),
		}).Error
}

// MarkFailedTx dead-letters a row. failed is terminal until an operator
// requeues it.
func (r *Repository) MarkFailedTx(tx *gorm.DB, id uuid.UUID, attempts int, cause error) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        enums.OutboxStatusFailed,
			"attempt_count": attempts,
			"last_error":    errorMessage(cause),
		}).Error
}

// Requeue is the operator-triggered replay of a dead-lettered row: the row
// returns to pending with a fresh attempt budget. A fresh event is never
// synthesized; the original payload (and event id) is republished as-is.
func (r *Repository) Requeue(ctx context.Context, id uuid.UUID, now time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusFailed).
		Updates(map[string]any{
			"status":          enums.OutboxStatusPending,
			"attempt_count":   0,
			"next_attempt_at": now,
			"last_error":      nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotRequeueable
	}
	return nil
}

// FindByID loads a single row; used by the admin surface.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.OutboxEvent, error) {
	var row models.OutboxEvent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// DeleteSentBefore purges delivered rows older than the cutoff. Retention
// only ever touches sent rows.
func (r *Repository) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND published_at < ?", enums.OutboxStatusSent, cutoff).
		Delete(&models.OutboxEvent{})
	return result.RowsAffected, result.Error
}

func errorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}
