package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/ordermesh/ordermesh-backend/pkg/logger"
	"github.com/ordermesh/ordermesh-backend/pkg/outbox"
)

type subscriber interface {
	Receive(ctx context.Context, f func(ctx context.Context, msg *pubsub.Message)) error
}

type broadcaster interface {
	Broadcast(key string, data []byte)
}

// routedEvent is the slice of any event payload the gateway routes on.
type routedEvent struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
}

// pushFrame is what clients receive.
type pushFrame struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	OccurredAt string          `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// Consumer drains the payment results subscription and fans events out to
// connected clients. Delivery is best effort: every message is acked, broker
// redeliveries are simply rebroadcast.
type Consumer struct {
	hub          broadcaster
	subscription subscriber
	logg         *logger.Logger
}

func NewConsumer(hub broadcaster, subscription subscriber, logg *logger.Logger) (*Consumer, error) {
	if hub == nil {
		return nil, errors.New("hub is required")
	}
	if subscription == nil {
		return nil, errors.New("subscription is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Consumer{hub: hub, subscription: subscription, logg: logg}, nil
}

// Run pumps the subscription until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		c.dispatch(ctx, msg.Data, msg.Attributes)
		msg.Ack()
	})
}

func (c *Consumer) dispatch(ctx context.Context, data []byte, attributes map[string]string) {
	eventType := attributes["event_type"]
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"event_type": eventType,
		"event_id":   attributes["event_id"],
	})

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "dropping undecodable event")
		return
	}

	var routed routedEvent
	if err := json.Unmarshal(envelope.Data, &routed); err != nil {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "dropping unroutable event")
		return
	}

	frame, err := json.Marshal(pushFrame{
		EventID:    envelope.EventID,
		EventType:  eventType,
		OccurredAt: envelope.OccurredAt.Format(time.RFC3339Nano),
		Data:       envelope.Data,
	})
	if err != nil {
		c.logg.Error(logCtx, "failed to encode push frame", err)
		return
	}

	delivered := 0
	if routed.OrderID != "" {
		c.hub.Broadcast(OrderKey(routed.OrderID), frame)
		delivered++
	}
	if routed.UserID != "" {
		c.hub.Broadcast(UserKey(routed.UserID), frame)
		delivered++
	}
	if delivered == 0 {
		c.logg.Info(logCtx, "event carries no correlation keys, skipping")
	}
}

// OrderKey is the correlation key for order-scoped subscriptions.
func OrderKey(orderID string) string {
	return fmt.Sprintf("order:%s", orderID)
}

// UserKey is the correlation key for user-scoped subscriptions.
func UserKey(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}
