package inbox

import (
	"context"

	"gorm.io/gorm"

	"github.com/ordermesh/ordermesh-backend/pkg/db/models"
)

const maxDLQErrorLen = 1024

type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

func (r *DLQRepository) Insert(ctx context.Context, entry models.InboxDLQ) error {
	if entry.ErrorMessage != nil && len(*entry.ErrorMessage) > maxDLQErrorLen {
		msg := (*entry.ErrorMessage)[:maxDLQErrorLen]
		entry.ErrorMessage = &msg
	}
	return r.db.WithContext(ctx).Create(&entry).Error
}

func (r *DLQRepository) List(ctx context.Context, consumerName string, limit int) ([]models.InboxDLQ, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.db.WithContext(ctx).Order("failed_at DESC").Limit(limit)
	if consumerName != "" {
		query = query.Where("consumer_name = ?", consumerName)
	}
	var rows []models.InboxDLQ
	err := query.Find(&rows).Error
	return rows, err
}
