package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ordermesh/ordermesh-backend/pkg/db/models"
	"github.com/ordermesh/ordermesh-backend/pkg/enums"
	pkgerrors "github.com/ordermesh/ordermesh-backend/pkg/errors"
	"github.com/ordermesh/ordermesh-backend/pkg/logger"
	"github.com/ordermesh/ordermesh-backend/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service defines order operations.
type Service interface {
	Create(ctx context.Context, input CreateOrderInput) (*OrderView, error)
	List(ctx context.Context, userID uuid.UUID, limit int) ([]OrderView, error)
	Get(ctx context.Context, userID, orderID uuid.UUID) (*OrderView, error)
}

type service struct {
	repo   Repository
	tx     txRunner
	outbox outboxEmitter
	logg   *logger.Logger
}

func NewService(repo Repository, tx txRunner, emitter outboxEmitter, logg *logger.Logger) Service {
	return &service{repo: repo, tx: tx, outbox: emitter, logg: logg}
}

// Create inserts the order and its order_created outbox event in one
// transaction. Either both land or neither does.
func (s *service) Create(ctx context.Context, input CreateOrderInput) (*OrderView, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if input.ProductID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	if input.Quantity <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	if input.Price.IsNegative() || input.Price.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "price must be positive")
	}

	order := models.Order{
		ID:        uuid.New(),
		UserID:    input.UserID.String(),
		ProductID: input.ProductID,
		Quantity:  input.Quantity,
		Price:     input.Price,
		Status:    enums.OrderStatusCreated,
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.CreateTx(tx, &order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating order")
		}
		total := order.Price.Mul(decimal.NewFromInt(int64(order.Quantity)))
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID.String(),
			Version:       1,
			OccurredAt:    time.Now().UTC(),
			Data: OrderCreatedPayload{
				OrderID:   order.ID,
				UserID:    order.UserID,
				ProductID: order.ProductID,
				Quantity:  order.Quantity,
				Price:     order.Price,
				Total:     total,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id": order.ID.String(),
			"user_id":  order.UserID,
		})
		s.logg.Info(logCtx, "order created")
	}

	view := viewFromModel(order)
	return &view, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID, limit int) ([]OrderView, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	rows, err := s.repo.ListByUser(ctx, userID.String(), limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing orders")
	}
	views := make([]OrderView, 0, len(rows))
	for _, row := range rows {
		views = append(views, viewFromModel(row))
	}
	return views, nil
}

func (s *service) Get(ctx context.Context, userID, orderID uuid.UUID) (*OrderView, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading order")
	}
	if order == nil || order.UserID != userID.String() {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	view := viewFromModel(*order)
	return &view, nil
}
