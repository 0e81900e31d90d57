package fanout

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/ordermesh/ordermesh-backend/pkg/logger"
	"github.com/ordermesh/ordermesh-backend/pkg/outbox"
)

type fakeBroadcaster struct {
	calls map[string][][]byte
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{calls: map[string][][]byte{}}
}

func (f *fakeBroadcaster) Broadcast(key string, data []byte) {
	f.calls[key] = append(f.calls[key], data)
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "fanout-test", Output: io.Discard})
}

func paymentEventData(t *testing.T, orderID, userID string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"orderId": orderID,
		"userId":  userID,
		"amount":  "10.00",
		"status":  "settled",
	})
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	envelope, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    "evt-1",
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	if err != nil {
		t.Fatalf("marshaling envelope: %v", err)
	}
	return envelope
}

func TestDispatchRoutesToOrderAndUserKeys(t *testing.T) {
	hub := newFakeBroadcaster()
	consumer := &Consumer{hub: hub, logg: testLogger()}

	consumer.dispatch(context.Background(), paymentEventData(t, "o-1", "u-1"), map[string]string{
		"event_type": "payment_settled",
		"event_id":   "evt-1",
	})

	if len(hub.calls[OrderKey("o-1")]) != 1 {
		t.Fatalf("expected one broadcast on %s", OrderKey("o-1"))
	}
	if len(hub.calls[UserKey("u-1")]) != 1 {
		t.Fatalf("expected one broadcast on %s", UserKey("u-1"))
	}

	var frame pushFrame
	if err := json.Unmarshal(hub.calls[OrderKey("o-1")][0], &frame); err != nil {
		t.Fatalf("decoding push frame: %v", err)
	}
	if frame.EventType != "payment_settled" || frame.EventID != "evt-1" {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestDispatchSkipsUndecodableEvents(t *testing.T) {
	hub := newFakeBroadcaster()
	consumer := &Consumer{hub: hub, logg: testLogger()}

	consumer.dispatch(context.Background(), []byte(`{not-json`), map[string]string{"event_type": "payment_settled"})

	if len(hub.calls) != 0 {
		t.Fatalf("undecodable event must not broadcast, got %d keys", len(hub.calls))
	}
}

func TestDispatchRebroadcastsDuplicates(t *testing.T) {
	hub := newFakeBroadcaster()
	consumer := &Consumer{hub: hub, logg: testLogger()}
	data := paymentEventData(t, "o-1", "")
	attrs := map[string]string{"event_type": "payment_settled", "event_id": "evt-1"}

	consumer.dispatch(context.Background(), data, attrs)
	consumer.dispatch(context.Background(), data, attrs)

	if len(hub.calls[OrderKey("o-1")]) != 2 {
		t.Fatalf("duplicates must be rebroadcast, got %d", len(hub.calls[OrderKey("o-1")]))
	}
}

func TestNewConsumerRequiresDependencies(t *testing.T) {
	if _, err := NewConsumer(nil, nil, nil); err == nil {
		t.Fatal("expected construction error")
	}
}
