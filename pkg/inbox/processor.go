package inbox

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"gorm.io/gorm"

	"github.com/ordermesh/ordermesh-backend/pkg/config"
	"github.com/ordermesh/ordermesh-backend/pkg/db"
	"github.com/ordermesh/ordermesh-backend/pkg/db/models"
	"github.com/ordermesh/ordermesh-backend/pkg/enums"
	"github.com/ordermesh/ordermesh-backend/pkg/errors"
	"github.com/ordermesh/ordermesh-backend/pkg/logger"
	"github.com/ordermesh/ordermesh-backend/pkg/metrics"
	"github.com/ordermesh/ordermesh-backend/pkg/outbox"
	"github.com/ordermesh/ordermesh-backend/pkg/redis"
)

const (
	defaultMaxAttempts    = 5
	defaultAttemptTTL     = 24 * time.Hour
	defaultHandlerTimeout = 30 * time.Second
)

// Delivery is the broker-agnostic view of one received message.
type Delivery struct {
	BrokerID   string
	Data       []byte
	Attributes map[string]string
}

// EventType returns the routing attribute stamped by the publisher.
func (d Delivery) EventType() string {
	return d.Attributes["event_type"]
}

// MessageID returns the logical message id used for dedup. It is the envelope
// event id, stamped as an attribute so routing never needs to decode the body.
func (d Delivery) MessageID() string {
	return d.Attributes["event_id"]
}

// HandlerFunc applies one event's business effect inside the supplied
// transaction. Returning an error rolls back the effect together with the
// dedup row.
type HandlerFunc func(ctx context.Context, tx *gorm.DB, delivery Delivery, envelope outbox.PayloadEnvelope) error

// DBClient is the database surface the processor needs.
type DBClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type processorRepository interface {
	InsertTx(tx *gorm.DB, row models.InboxMessage) error
}

type processorDLQ interface {
	Insert(ctx context.Context, entry models.InboxDLQ) error
}

type subscriber interface {
	Receive(ctx context.Context, f func(ctx context.Context, msg *pubsub.Message)) error
}

// ProcessorParams wires a Processor.
type ProcessorParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            DBClient
	Repository    processorRepository
	DLQRepository processorDLQ
	Attempts      redis.AttemptCounter
	Subscription  subscriber
	Metrics       *metrics.InboxMetrics
	ConsumerName  string
}

// Processor drains a subscription and applies each message exactly once per
// consumer. Dedup is the inbox row; the business effect and the dedup row
// commit or roll back together.
type Processor struct {
	cfg            *config.Config
	logg           *logger.Logger
	db             DBClient
	repo           processorRepository
	dlq            processorDLQ
	attempts       redis.AttemptCounter
	subscription   subscriber
	metrics        *metrics.InboxMetrics
	consumerName   string
	maxAttempts    int
	attemptTTL     time.Duration
	handlerTimeout time.Duration
	handlers       map[string]HandlerFunc
}

var errDuplicateMessage = stdErrors.New("message already applied")

func NewProcessor(params ProcessorParams) (*Processor, error) {
	if params.Config == nil {
		return nil, stdErrors.New("config is required")
	}
	if params.Logger == nil {
		return nil, stdErrors.New("logger is required")
	}
	if params.DB == nil {
		return nil, stdErrors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, stdErrors.New("inbox repository is required")
	}
	if params.DLQRepository == nil {
		return nil, stdErrors.New("dlq repository is required")
	}
	if params.ConsumerName == "" {
		return nil, stdErrors.New("consumer name is required")
	}

	inboxCfg := params.Config.Inbox
	maxAttempts := inboxCfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	attemptTTL := inboxCfg.AttemptTTL
	if attemptTTL <= 0 {
		attemptTTL = defaultAttemptTTL
	}
	handlerTimeout := inboxCfg.HandlerTimeout
	if handlerTimeout <= 0 {
		handlerTimeout = defaultHandlerTimeout
	}

	return &Processor{
		cfg:            params.Config,
		logg:           params.Logger,
		db:             params.DB,
		repo:           params.Repository,
		dlq:            params.DLQRepository,
		attempts:       params.Attempts,
		subscription:   params.Subscription,
		metrics:        params.Metrics,
		consumerName:   params.ConsumerName,
		maxAttempts:    maxAttempts,
		attemptTTL:     attemptTTL,
		handlerTimeout: handlerTimeout,
		handlers:       make(map[string]HandlerFunc),
	}, nil
}

// Handle registers the handler for an event type. Events with no handler are
// acknowledged and skipped.
func (p *Processor) Handle(eventType enums.OutboxEventType, fn HandlerFunc) {
	p.handlers[string(eventType)] = fn
}

// Run pumps the subscription until the context is canceled.
func (p *Processor) Run(ctx context.Context) error {
	if p.subscription == nil {
		return stdErrors.New("subscription is required")
	}
	if err := p.db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return p.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := p.process(ctx, Delivery{
			BrokerID:   msg.ID,
			Data:       msg.Data,
			Attributes: msg.Attributes,
		})
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (p *Processor) process(ctx context.Context, delivery Delivery) processResult {
	eventType := delivery.EventType()
	messageID := delivery.MessageID()
	logCtx := p.logg.WithConsumer(ctx, p.consumerName)
	logCtx = p.logg.WithFields(logCtx, map[string]any{
		"broker_message_id": delivery.BrokerID,
		"message_id":        messageID,
		"event_type":        eventType,
	})

	handler, ok := p.handlers[eventType]
	if !ok {
		p.logg.Info(logCtx, "skipping unhandled event type")
		return processResult{ack: true}
	}

	if messageID == "" {
		if p.deadLetter(logCtx, delivery, 0, enums.DLQReasonNonRetryable, stdErrors.New("missing event_id attribute")) != nil {
			return processResult{nack: true}
		}
		return processResult{ack: true}
	}

	var envelope outbox.PayloadEnvelope
	if err := decodeEnvelope(delivery.Data, &envelope); err != nil {
		if p.deadLetter(logCtx, delivery, 0, enums.DLQReasonNonRetryable, err) != nil {
			return processResult{nack: true}
		}
		return processResult{ack: true}
	}

	attempt := p.countAttempt(logCtx, messageID)
	if attempt > int64(p.maxAttempts) {
		err := p.deadLetter(logCtx, delivery, int(attempt), enums.DLQReasonMaxAttempts,
			fmt.Errorf("delivery attempt %d exceeds limit %d", attempt, p.maxAttempts))
		if err != nil {
			return processResult{nack: true}
		}
		return processResult{ack: true}
	}

	handlerCtx, cancel := context.WithTimeout(logCtx, p.handlerTimeout)
	defer cancel()

	err := p.db.WithTx(handlerCtx, func(tx *gorm.DB) error {
		insertErr := p.repo.InsertTx(tx, models.InboxMessage{
			MessageID:    messageID,
			ConsumerName: p.consumerName,
			EventType:    eventType,
			ProcessedAt:  time.Now().UTC(),
		})
		if insertErr != nil {
			if db.IsUniqueViolation(insertErr) {
				return errDuplicateMessage
			}
			return insertErr
		}
		return handler(handlerCtx, tx, delivery, envelope)
	})

	switch {
	case err == nil:
		p.clearAttempts(logCtx, messageID)
		p.metrics.IncProcessed(p.consumerName)
		p.logg.Info(logCtx, "inbox message applied")
		return processResult{ack: true}
	case stdErrors.Is(err, errDuplicateMessage):
		p.clearAttempts(logCtx, messageID)
		p.metrics.IncDuplicate(p.consumerName)
		p.logg.Info(logCtx, "inbox message already applied")
		return processResult{ack: true}
	case !errors.IsRetryable(err):
		if p.deadLetter(logCtx, delivery, int(attempt), enums.DLQReasonNonRetryable, err) != nil {
			return processResult{nack: true}
		}
		return processResult{ack: true}
	default:
		p.metrics.IncRedelivered(p.consumerName)
		logCtx = p.logg.WithField(logCtx, "attempt", attempt)
		p.logg.Error(logCtx, "inbox handler failed, nacking for redelivery", err)
		return processResult{nack: true}
	}
}

// countAttempt bumps the per-message delivery counter. Counter failures never
// block processing; losing the count just delays the poison ceiling.
func (p *Processor) countAttempt(ctx context.Context, messageID string) int64 {
	if p.attempts == nil {
		return 1
	}
	key := p.attempts.AttemptKey(p.consumerName, messageID)
	count, err := p.attempts.IncrWithTTL(ctx, key, p.attemptTTL)
	if err != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "attempt counter unavailable")
		return 1
	}
	return count
}

func (p *Processor) clearAttempts(ctx context.Context, messageID string) {
	if p.attempts == nil {
		return
	}
	key := p.attempts.AttemptKey(p.consumerName, messageID)
	if err := p.attempts.Del(ctx, key); err != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "failed to clear attempt counter")
	}
}

// deadLetter parks a poison message so it can be acknowledged without being
// lost. The DLQ write happens outside the business transaction; if it fails
// the message is nacked and tried again.
func (p *Processor) deadLetter(ctx context.Context, delivery Delivery, attempts int, reason enums.DLQErrorReason, cause error) error {
	msg := cause.Error()
	entry := models.InboxDLQ{
		MessageID:    delivery.MessageID(),
		ConsumerName: p.consumerName,
		EventType:    delivery.EventType(),
		Payload:      delivery.Data,
		ErrorReason:  reason,
		ErrorMessage: &msg,
		AttemptCount: attempts,
		FailedAt:     time.Now().UTC(),
	}
	if entry.MessageID == "" {
		entry.MessageID = delivery.BrokerID
	}
	if err := p.dlq.Insert(ctx, entry); err != nil {
		p.logg.Error(ctx, "failed to dead-letter inbox message", err)
		return err
	}
	p.clearAttempts(ctx, delivery.MessageID())
	p.metrics.IncDeadLettered(p.consumerName)
	logCtx := p.logg.WithField(ctx, "error_reason", reason)
	p.logg.Error(logCtx, "inbox message dead-lettered", cause)
	return nil
}

func decodeEnvelope(data []byte, envelope *outbox.PayloadEnvelope) error {
	if err := json.Unmarshal(data, envelope); err != nil {
		return fmt.Errorf("decoding payload envelope: %w", err)
	}
	if envelope.EventID == "" {
		return stdErrors.New("payload envelope missing event id")
	}
	return nil
}
