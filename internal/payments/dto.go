package payments

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ordermesh/ordermesh-backend/pkg/db/models"
	"github.com/ordermesh/ordermesh-backend/pkg/enums"
)

// CreateAccountInput is the validated payload for account creation.
type CreateAccountInput struct {
	UserID uuid.UUID
}

// DepositInput is the validated payload for a deposit.
type DepositInput struct {
	AccountID uuid.UUID
	Amount    decimal.Decimal
}

// AccountView is the API representation of an account.
type AccountView struct {
	ID        uuid.UUID       `json:"id"`
	UserID    string          `json:"userId"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AccountCreatedPayload is the event body for account_created.
type AccountCreatedPayload struct {
	AccountID uuid.UUID `json:"accountId"`
	UserID    string    `json:"userId"`
}

// AccountDepositedPayload is the event body for account_deposited.
type AccountDepositedPayload struct {
	AccountID uuid.UUID       `json:"accountId"`
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
}

// PaymentResultPayload is the event body for payment_settled and
// payment_rejected. OrderID is the correlation key the fan-out gateway
// routes on.
type PaymentResultPayload struct {
	OrderID uuid.UUID           `json:"orderId"`
	UserID  string              `json:"userId"`
	Amount  decimal.Decimal     `json:"amount"`
	Status  enums.PaymentStatus `json:"status"`
	Reason  string              `json:"reason,omitempty"`
}

func viewFromModel(account models.Account) AccountView {
	return AccountView{
		ID:        account.ID,
		UserID:    account.UserID,
		Balance:   account.Balance,
		CreatedAt: account.CreatedAt,
	}
}
