package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ordermesh/ordermesh-backend/pkg/db/models"
)

// Repository persists accounts.
type Repository interface {
	CreateTx(tx *gorm.DB, account *models.Account) error
	FindByIDTx(tx *gorm.DB, id uuid.UUID) (*models.Account, error)
	FindByUserTx(tx *gorm.DB, userID string) (*models.Account, error)
	FindByUser(ctx context.Context, userID string) (*models.Account, error)
	UpdateBalanceTx(tx *gorm.DB, id uuid.UUID, balance decimal.Decimal) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) CreateTx(tx *gorm.DB, account *models.Account) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(account).Error
}

func (r *repository) FindByIDTx(tx *gorm.DB, id uuid.UUID) (*models.Account, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	var account models.Account
	err := tx.Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *repository) FindByUserTx(tx *gorm.DB, userID string) (*models.Account, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	var account models.Account
	err := tx.Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *repository) FindByUser(ctx context.Context, userID string) (*models.Account, error) {
	return r.FindByUserTx(r.db.WithContext(ctx), userID)
}

func (r *repository) UpdateBalanceTx(tx *gorm.DB, id uuid.UUID, balance decimal.Decimal) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Model(&models.Account{}).
		Where("id = ?", id).
		Update("balance", balance).Error
}
