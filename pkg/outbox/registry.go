package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/ordermesh/ordermesh-backend/pkg/config"
	"github.com/ordermesh/ordermesh-backend/pkg/db/models"
	"github.com/ordermesh/ordermesh-backend/pkg/enums"
)

// EventDescriptor links an event type to its aggregate and destination topic.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
}

// ResolvedEvent is the result of decoding an outbox row.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   PayloadEnvelope
}

// Registry maps each supported event type to its descriptor.
type Registry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NonRetryableError signals the publisher should stop retrying a row.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

// NewRegistry builds the registry with the configured topic names.
func NewRegistry(cfg config.PubSubConfig) (*Registry, error) {
	if cfg.OrdersTopic == "" {
		return nil, fmt.Errorf("orders topic is required")
	}
	if cfg.PaymentsTopic == "" {
		return nil, fmt.Errorf("payments topic is required")
	}

	reg := &Registry{entries: make(map[enums.OutboxEventType]EventDescriptor)}
	for _, desc := range []EventDescriptor{
		{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			Topic:         cfg.OrdersTopic,
		},
		{
			EventType:     enums.EventAccountCreated,
			AggregateType: enums.AggregateAccount,
			Topic:         cfg.PaymentsTopic,
		},
		{
			EventType:     enums.EventAccountDeposited,
			AggregateType: enums.AggregateAccount,
			Topic:         cfg.PaymentsTopic,
		},
		{
			EventType:     enums.EventPaymentSettled,
			AggregateType: enums.AggregatePayment,
			Topic:         cfg.PaymentsTopic,
		},
		{
			EventType:     enums.EventPaymentRejected,
			AggregateType: enums.AggregatePayment,
			Topic:         cfg.PaymentsTopic,
		},
	} {
		reg.entries[desc.EventType] = desc
	}
	return reg, nil
}

// Resolve validates an outbox row against the registry and decodes its
// envelope. Failures are non-retryable: a row that cannot be resolved today
// will not resolve tomorrow either.
func (r *Registry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unknown event type %q", event.EventType))
	}
	if desc.AggregateType != event.AggregateType {
		return nil, NewNonRetryableError(fmt.Errorf(
			"event %q carries aggregate %q, expected %q",
			event.EventType, event.AggregateType, desc.AggregateType,
		))
	}
	var envelope PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decoding payload envelope: %w", err))
	}
	if envelope.EventID == "" {
		return nil, NewNonRetryableError(fmt.Errorf("payload envelope missing event id"))
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope}, nil
}
