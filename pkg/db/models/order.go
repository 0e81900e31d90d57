package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ordermesh/ordermesh-backend/pkg/enums"
)

// Order is the orders-service aggregate root.
type Order struct {
	ID        uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID    string            `gorm:"column:user_id;not null"`
	ProductID string            `gorm:"column:product_id;not null"`
	Quantity  int               `gorm:"column:quantity;not null"`
	Price     decimal.Decimal   `gorm:"column:price;type:numeric(12,2);not null"`
	Status    enums.OrderStatus `gorm:"column:status;not null;default:created"`
	CreatedAt time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (Order) TableName() string {
	return "orders"
}
