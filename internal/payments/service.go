package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ordermesh/ordermesh-backend/pkg/db"
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

// Service defines account operations.
type Service interface {
	CreateAccount(ctx context.Context, input CreateAccountInput) (*AccountView, error)
	Deposit(ctx context.Context, input DepositInput) (*AccountView, error)
	GetAccount(ctx context.Context, userID uuid.UUID) (*AccountView, error)
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

// CreateAccount opens a zero-balance account for the user. Creating an
// account that already exists returns the existing account unchanged and
// emits nothing.
func (s *service) CreateAccount(ctx context.Context, input CreateAccountInput) (*AccountView, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	account := models.Account{
		ID:      uuid.New(),
		UserID:  input.UserID.String(),
		Balance: decimal.Zero,
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.CreateTx(tx, &account); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventAccountCreated,
			AggregateType: enums.AggregateAccount,
			AggregateID:   account.ID.String(),
			Version:       1,
			OccurredAt:    time.Now().UTC(),
			Data: AccountCreatedPayload{
				AccountID: account.ID,
				UserID:    account.UserID,
			},
		})
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			existing, findErr := s.repo.FindByUser(ctx, input.UserID.String())
			if findErr != nil || existing == nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, findErr, "loading existing account")
			}
			view := viewFromModel(*existing)
			return &view, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating account")
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"account_id": account.ID.String(),
			"user_id":    account.UserID,
		})
		s.logg.Info(logCtx, "account created")
	}

	view := viewFromModel(account)
	return &view, nil
}

// Deposit credits the account and emits account_deposited in the same
// transaction. Non-positive amounts are rejected before any write.
func (s *service) Deposit(ctx context.Context, input DepositInput) (*AccountView, error) {
	if input.AccountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id is required")
	}
	if !input.Amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}

	var updated models.Account
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		account, err := s.repo.FindByIDTx(tx, input.AccountID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading account")
		}
		if account == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
		}

		newBalance := account.Balance.Add(input.Amount)
		if err := s.repo.UpdateBalanceTx(tx, account.ID, newBalance); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "updating balance")
		}

		updated = *account
		updated.Balance = newBalance

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventAccountDeposited,
			AggregateType: enums.AggregateAccount,
			AggregateID:   account.ID.String(),
			Version:       1,
			OccurredAt:    time.Now().UTC(),
			Data: AccountDepositedPayload{
				AccountID: account.ID,
				UserID:    account.UserID,
				Amount:    input.Amount,
				Balance:   newBalance,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"account_id": updated.ID.String(),
			"amount":     input.Amount.String(),
		})
		s.logg.Info(logCtx, "deposit applied")
	}

	view := viewFromModel(updated)
	return &view, nil
}

func (s *service) GetAccount(ctx context.Context, userID uuid.UUID) (*AccountView, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	account, err := s.repo.FindByUser(ctx, userID.String())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading account")
	}
	if account == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
	}
	view := viewFromModel(*account)
	return &view, nil
}
