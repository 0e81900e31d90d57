package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ordermesh/ordermesh-backend/pkg/db/models"
	"github.com/ordermesh/ordermesh-backend/pkg/enums"
)

// CreateOrderInput is the validated payload for order creation.
type CreateOrderInput struct {
	UserID    uuid.UUID
	ProductID string
	Quantity  int
	Price     decimal.Decimal
}

// OrderView is the API representation of an order.
type OrderView struct {
	ID        uuid.UUID         `json:"id"`
	UserID    string            `json:"userId"`
	ProductID string            `json:"productId"`
	Quantity  int               `json:"quantity"`
	Price     decimal.Decimal   `json:"price"`
	Total     decimal.Decimal   `json:"total"`
	Status    enums.OrderStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
}

// OrderCreatedPayload is the event body shipped inside the outbox envelope.
type OrderCreatedPayload struct {
	OrderID   uuid.UUID       `json:"orderId"`
	UserID    string          `json:"userId"`
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Total     decimal.Decimal `json:"total"`
}

func viewFromModel(order models.Order) OrderView {
	return OrderView{
		ID:        order.ID,
		UserID:    order.UserID,
		ProductID: order.ProductID,
		Quantity:  order.Quantity,
		Price:     order.Price,
		Total:     order.Price.Mul(decimal.NewFromInt(int64(order.Quantity))),
		Status:    order.Status,
		CreatedAt: order.CreatedAt,
	}
}
