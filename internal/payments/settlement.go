package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ordermesh/ordermesh-backend/pkg/enums"
	pkgerrors "github.com/ordermesh/ordermesh-backend/pkg/errors"
	"github.com/ordermesh/ordermesh-backend/pkg/inbox"
	"github.com/ordermesh/ordermesh-backend/pkg/logger"
	"github.com/ordermesh/ordermesh-backend/pkg/outbox"
)

// orderChargeRequest is the slice of the order_created payload the settler
// needs. Unknown fields are ignored on purpose; the orders service owns the
// full schema.
type orderChargeRequest struct {
	OrderID uuid.UUID       `json:"orderId"`
	UserID  string          `json:"userId"`
	Total   decimal.Decimal `json:"total"`
}

// Settler charges accounts for created orders. A charge decision is always
// terminal: either the balance is debited and payment_settled is emitted, or
// payment_rejected is emitted, both in the same transaction as the inbox
// dedup row.
type Settler struct {
	repo   Repository
	outbox outboxEmitter
	logg   *logger.Logger
}

func NewSettler(repo Repository, emitter outboxEmitter, logg *logger.Logger) *Settler {
	return &Settler{repo: repo, outbox: emitter, logg: logg}
}

// HandleOrderCreated is the inbox handler for order_created events.
func (s *Settler) HandleOrderCreated(ctx context.Context, tx *gorm.DB, delivery inbox.Delivery, envelope outbox.PayloadEnvelope) error {
	var req orderChargeRequest
	if err := json.Unmarshal(envelope.Data, &req); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decoding order_created payload")
	}
	if req.OrderID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order_created payload missing order id")
	}
	if req.UserID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "order_created payload missing user id")
	}
	if !req.Total.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "order_created payload total must be positive")
	}

	account, err := s.repo.FindByUserTx(tx, req.UserID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading account")
	}

	if account == nil {
		return s.reject(ctx, tx, req, "no account for user")
	}
	if account.Balance.LessThan(req.Total) {
		return s.reject(ctx, tx, req, "insufficient funds")
	}

	newBalance := account.Balance.Sub(req.Total)
	if err := s.repo.UpdateBalanceTx(tx, account.ID, newBalance); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "debiting account")
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id":   req.OrderID.String(),
			"account_id": account.ID.String(),
			"amount":     req.Total.String(),
		})
		s.logg.Info(logCtx, "payment settled")
	}

	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPaymentSettled,
		AggregateType: enums.AggregatePayment,
		AggregateID:   req.OrderID.String(),
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		Data: PaymentResultPayload{
			OrderID: req.OrderID,
			UserID:  req.UserID,
			Amount:  req.Total,
			Status:  enums.PaymentStatusSettled,
		},
	})
}

func (s *Settler) reject(ctx context.Context, tx *gorm.DB, req orderChargeRequest, reason string) error {
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id": req.OrderID.String(),
			"user_id":  req.UserID,
			"reason":   reason,
		})
		s.logg.Warn(logCtx, "payment rejected")
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPaymentRejected,
		AggregateType: enums.AggregatePayment,
		AggregateID:   req.OrderID.String(),
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		Data: PaymentResultPayload{
			OrderID: req.OrderID,
			UserID:  req.UserID,
			Amount:  req.Total,
			Status:  enums.PaymentStatusRejected,
			Reason:  reason,
		},
	})
}
