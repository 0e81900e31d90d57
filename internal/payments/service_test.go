package payments

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ordermesh/ordermesh-backend/pkg/db"
	"github.com/ordermesh/ordermesh-backend/pkg/db/models"
	"github.com/ordermesh/ordermesh-backend/pkg/enums"
	pkgerrors "github.com/ordermesh/ordermesh-backend/pkg/errors"
	"github.com/ordermesh/ordermesh-backend/pkg/inbox"
	"github.com/ordermesh/ordermesh-backend/pkg/outbox"
)

func openPaymentsTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, conn.Exec(`
		CREATE TABLE accounts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			balance NUMERIC NOT NULL DEFAULT 0,
			created_at DATETIME,
			updated_at DATETIME
		)
	`).Error)
	require.NoError(t, conn.Exec(`
		CREATE TABLE outbox_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at DATETIME NOT NULL,
			last_error TEXT,
			published_at DATETIME,
			created_at DATETIME
		)
	`).Error)

	t.Cleanup(func() {
		sqlDB, err := conn.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

func newPaymentsService(t *testing.T, conn *gorm.DB) Service {
	t.Helper()
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)
	return NewService(NewRepository(conn), db.NewWithConn(conn), emitter, nil)
}

func outboxEventTypes(t *testing.T, conn *gorm.DB) []enums.OutboxEventType {
	t.Helper()
	var events []models.OutboxEvent
	require.NoError(t, conn.Order("created_at ASC").Find(&events).Error)
	types := make([]enums.OutboxEventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.EventType)
	}
	return types
}

func TestCreateAccountEmitsEvent(t *testing.T) {
	conn := openPaymentsTestDB(t)
	svc := newPaymentsService(t, conn)
	ctx := context.Background()
	userID := uuid.New()

	view, err := svc.CreateAccount(ctx, CreateAccountInput{UserID: userID})
	require.NoError(t, err)
	assert.Equal(t, userID.String(), view.UserID)
	assert.True(t, view.Balance.IsZero())

	assert.Equal(t, []enums.OutboxEventType{enums.EventAccountCreated}, outboxEventTypes(t, conn))
}

func TestCreateAccountIsIdempotentPerUser(t *testing.T) {
	conn := openPaymentsTestDB(t)
	svc := newPaymentsService(t, conn)
	ctx := context.Background()
	userID := uuid.New()

	first, err := svc.CreateAccount(ctx, CreateAccountInput{UserID: userID})
	require.NoError(t, err)

	second, err := svc.CreateAccount(ctx, CreateAccountInput{UserID: userID})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, conn.Model(&models.Account{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// only the first creation emits
	assert.Equal(t, []enums.OutboxEventType{enums.EventAccountCreated}, outboxEventTypes(t, conn))
}

func TestDepositCreditsBalanceAndEmits(t *testing.T) {
	conn := openPaymentsTestDB(t)
	svc := newPaymentsService(t, conn)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, CreateAccountInput{UserID: uuid.New()})
	require.NoError(t, err)

	view, err := svc.Deposit(ctx, DepositInput{AccountID: account.ID, Amount: decimal.RequireFromString("25.50")})
	require.NoError(t, err)
	assert.True(t, view.Balance.Equal(decimal.RequireFromString("25.50")))

	view, err = svc.Deposit(ctx, DepositInput{AccountID: account.ID, Amount: decimal.RequireFromString("10.00")})
	require.NoError(t, err)
	assert.True(t, view.Balance.Equal(decimal.RequireFromString("35.50")))

	assert.Equal(t, []enums.OutboxEventType{
		enums.EventAccountCreated,
		enums.EventAccountDeposited,
		enums.EventAccountDeposited,
	}, outboxEventTypes(t, conn))
}

func TestDepositRejectsNonPositiveAmounts(t *testing.T) {
	conn := openPaymentsTestDB(t)
	svc := newPaymentsService(t, conn)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, CreateAccountInput{UserID: uuid.New()})
	require.NoError(t, err)

	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-10)} {
		_, err := svc.Deposit(ctx, DepositInput{AccountID: account.ID, Amount: amount})
		require.Error(t, err)
		typed := pkgerrors.As(err)
		require.NotNil(t, typed)
		assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
	}

	// no deposit events, no balance drift
	assert.Equal(t, []enums.OutboxEventType{enums.EventAccountCreated}, outboxEventTypes(t, conn))
	got, err := svc.GetAccount(ctx, uuid.MustParse(account.UserID))
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

func TestDepositUnknownAccount(t *testing.T) {
	conn := openPaymentsTestDB(t)
	svc := newPaymentsService(t, conn)

	_, err := svc.Deposit(context.Background(), DepositInput{AccountID: uuid.New(), Amount: decimal.NewFromInt(10)})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}

func inboxDelivery() inbox.Delivery {
	return inbox.Delivery{
		BrokerID: "broker-1",
		Attributes: map[string]string{
			"event_type": string(enums.EventOrderCreated),
		},
	}
}

func settleOrder(t *testing.T, conn *gorm.DB, settler *Settler, req orderChargeRequest) error {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	envelope := outbox.PayloadEnvelope{Version: 1, EventID: uuid.NewString(), Data: payload}
	return db.NewWithConn(conn).WithTx(context.Background(), func(tx *gorm.DB) error {
		return settler.HandleOrderCreated(context.Background(), tx, inboxDelivery(), envelope)
	})
}

func TestSettlerDebitsAndEmitsSettled(t *testing.T) {
	conn := openPaymentsTestDB(t)
	svc := newPaymentsService(t, conn)
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)
	settler := NewSettler(NewRepository(conn), emitter, nil)
	ctx := context.Background()
	userID := uuid.New()

	account, err := svc.CreateAccount(ctx, CreateAccountInput{UserID: userID})
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, DepositInput{AccountID: account.ID, Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	orderID := uuid.New()
	require.NoError(t, settleOrder(t, conn, settler, orderChargeRequest{
		OrderID: orderID,
		UserID:  userID.String(),
		Total:   decimal.NewFromInt(60),
	}))

	got, err := svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(40)))

	types := outboxEventTypes(t, conn)
	assert.Contains(t, types, enums.EventPaymentSettled)
	assert.NotContains(t, types, enums.EventPaymentRejected)
}

func TestSettlerRejectsInsufficientFunds(t *testing.T) {
	conn := openPaymentsTestDB(t)
	svc := newPaymentsService(t, conn)
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)
	settler := NewSettler(NewRepository(conn), emitter, nil)
	ctx := context.Background()
	userID := uuid.New()

	account, err := svc.CreateAccount(ctx, CreateAccountInput{UserID: userID})
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, DepositInput{AccountID: account.ID, Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	require.NoError(t, settleOrder(t, conn, settler, orderChargeRequest{
		OrderID: uuid.New(),
		UserID:  userID.String(),
		Total:   decimal.NewFromInt(60),
	}))

	got, err := svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(10)), "rejected charge must not touch the balance")

	assert.Contains(t, outboxEventTypes(t, conn), enums.EventPaymentRejected)
}

func TestSettlerRejectsUnknownAccount(t *testing.T) {
	conn := openPaymentsTestDB(t)
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)
	settler := NewSettler(NewRepository(conn), emitter, nil)

	require.NoError(t, settleOrder(t, conn, settler, orderChargeRequest{
		OrderID: uuid.New(),
		UserID:  uuid.NewString(),
		Total:   decimal.NewFromInt(60),
	}))

	assert.Equal(t, []enums.OutboxEventType{enums.EventPaymentRejected}, outboxEventTypes(t, conn))
}

func TestSettlerRejectsMalformedPayload(t *testing.T) {
	conn := openPaymentsTestDB(t)
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)
	settler := NewSettler(NewRepository(conn), emitter, nil)

	err := db.NewWithConn(conn).WithTx(context.Background(), func(tx *gorm.DB) error {
		envelope := outbox.PayloadEnvelope{Version: 1, EventID: uuid.NewString(), Data: json.RawMessage(`{"total":"x"}`)}
		return settler.HandleOrderCreated(context.Background(), tx, inboxDelivery(), envelope)
	})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
}
