package inbox

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ordermesh/ordermesh-backend/pkg/db/models"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// InsertTx records a processed message inside the caller's transaction. The
// composite primary key turns a redelivery into a unique violation, which the
// processor treats as "already applied".
func (r *Repository) InsertTx(tx *gorm.DB, row models.InboxMessage) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(&row).Error
}

// DeleteProcessedBefore purges dedup rows older than the cutoff. Safe as long
// as the cutoff comfortably exceeds the broker's redelivery horizon.
func (r *Repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("processed_at < ?", cutoff).
		Delete(&models.InboxMessage{})
	return result.RowsAffected, result.Error
}
