package orders

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
	"github.com/ordermesh/ordermesh-backend/pkg/outbox"
)

func openOrdersTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, conn.Exec(`
		CREATE TABLE orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price NUMERIC NOT NULL,
			status TEXT NOT NULL DEFAULT 'created',
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

func newOrdersService(t *testing.T, conn *gorm.DB) Service {
	t.Helper()
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)
	return NewService(NewRepository(conn), db.NewWithConn(conn), emitter, nil)
}

func TestCreateWritesOrderAndOutboxRowTogether(t *testing.T) {
	conn := openOrdersTestDB(t)
	svc := newOrdersService(t, conn)
	ctx := context.Background()
	userID := uuid.New()

	view, err := svc.Create(ctx, CreateOrderInput{
		UserID:    userID,
		ProductID: "sku-100",
		Quantity:  3,
		Price:     decimal.RequireFromString("19.99"),
	})
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, enums.OrderStatusCreated, view.Status)
	assert.True(t, view.Total.Equal(decimal.RequireFromString("59.97")))

	var order models.Order
	require.NoError(t, conn.First(&order).Error)
	assert.Equal(t, userID.String(), order.UserID)

	var event models.OutboxEvent
	require.NoError(t, conn.First(&event).Error)
	assert.Equal(t, enums.EventOrderCreated, event.EventType)
	assert.Equal(t, order.ID.String(), event.AggregateID)
	assert.Equal(t, enums.OutboxStatusPending, event.Status)

	var envelope outbox.PayloadEnvelope
	require.NoError(t, json.Unmarshal(event.Payload, &envelope))
	var payload OrderCreatedPayload
	require.NoError(t, json.Unmarshal(envelope.Data, &payload))
	assert.Equal(t, order.ID, payload.OrderID)
	assert.True(t, payload.Total.Equal(decimal.RequireFromString("59.97")))
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	conn := openOrdersTestDB(t)
	svc := newOrdersService(t, conn)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateOrderInput
	}{
		{name: "missing user", input: CreateOrderInput{ProductID: "sku-1", Quantity: 1, Price: decimal.NewFromInt(5)}},
		{name: "missing product", input: CreateOrderInput{UserID: uuid.New(), Quantity: 1, Price: decimal.NewFromInt(5)}},
		{name: "zero quantity", input: CreateOrderInput{UserID: uuid.New(), ProductID: "sku-1", Price: decimal.NewFromInt(5)}},
		{name: "zero price", input: CreateOrderInput{UserID: uuid.New(), ProductID: "sku-1", Quantity: 1}},
		{name: "negative price", input: CreateOrderInput{UserID: uuid.New(), ProductID: "sku-1", Quantity: 1, Price: decimal.NewFromInt(-5)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.input)
			require.Error(t, err)
			typed := pkgerrors.As(err)
			require.NotNil(t, typed)
			assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
		})
	}

	var count int64
	require.NoError(t, conn.Model(&models.Order{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestListReturnsOwnOrdersNewestFirst(t *testing.T) {
	conn := openOrdersTestDB(t)
	svc := newOrdersService(t, conn)
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, CreateOrderInput{
			UserID:    userID,
			ProductID: "sku-1",
			Quantity:  i + 1,
			Price:     decimal.NewFromInt(10),
		})
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, CreateOrderInput{
		UserID:    uuid.New(),
		ProductID: "sku-2",
		Quantity:  1,
		Price:     decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	views, err := svc.List(ctx, userID, 50)
	require.NoError(t, err)
	assert.Len(t, views, 3)
	for _, view := range views {
		assert.Equal(t, userID.String(), view.UserID)
	}
}

func TestGetEnforcesOwnership(t *testing.T) {
	conn := openOrdersTestDB(t)
	svc := newOrdersService(t, conn)
	ctx := context.Background()
	userID := uuid.New()

	view, err := svc.Create(ctx, CreateOrderInput{
		UserID:    userID,
		ProductID: "sku-1",
		Quantity:  1,
		Price:     decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, userID, view.ID)
	require.NoError(t, err)
	assert.Equal(t, view.ID, got.ID)

	_, err = svc.Get(ctx, uuid.New(), view.ID)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}
