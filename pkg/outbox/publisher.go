package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ordermesh/ordermesh-backend/pkg/backoff"
	"github.com/ordermesh/ordermesh-backend/pkg/config"
	"github.com/ordermesh/ordermesh-backend/pkg/db/models"
	"github.com/ordermesh/ordermesh-backend/pkg/enums"
	"github.com/ordermesh/ordermesh-backend/pkg/logger"
	"github.com/ordermesh/ordermesh-backend/pkg/metrics"
)

const (
	defaultBatchSize      = 50
	defaultPollMs         = 500
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
)

// DBClient is the database surface the publisher needs.
type DBClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

// BrokerClient is the broker surface the publisher needs.
type BrokerClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type publisherRepository interface {
	ClaimPendingTx(tx *gorm.DB, limit int, now time.Time) ([]models.OutboxEvent, error)
	MarkSentTx(tx *gorm.DB, id uuid.UUID, now time.Time) error
	MarkRetryTx(tx *gorm.DB, id uuid.UUID, attempts int, nextAttemptAt time.Time, cause error) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, attempts int, cause error) error
}

type publisherDLQ interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type resolver interface {
	Resolve(models.OutboxEvent) (*ResolvedEvent, error)
}

// PublisherFactory lets tests substitute broker publishers per topic.
type PublisherFactory func(topic string) TopicPublisher

// TopicPublisher abstracts a single topic's publish handle.
type TopicPublisher interface {
	Publish(context.Context, *gcppubsub.Message) PublishResult
}

// PublishResult abstracts the broker's publish acknowledgement.
type PublishResult interface {
	Get(context.Context) (string, error)
}

// PublisherParams wires a Publisher.
type PublisherParams struct {
	Config           *config.Config
	Logger           *logger.Logger
	DB               DBClient
	Broker           BrokerClient
	Repository       publisherRepository
	DLQRepository    publisherDLQ
	Registry         resolver
	Metrics          *metrics.OutboxMetrics
	PublisherFactory PublisherFactory
	Now              func() time.Time
}

// Publisher drains due outbox rows to the broker: at-least-once delivery,
// never-lose, bounded redelivery pressure via per-row capped backoff.
type Publisher struct {
	cfg              *config.Config
	logg             *logger.Logger
	db               DBClient
	repo             publisherRepository
	dlq              publisherDLQ
	registry         resolver
	metrics          *metrics.OutboxMetrics
	publisherFactory PublisherFactory
	retryPolicy      *backoff.Policy
	batchSize        int
	maxAttempts      int
	pollInterval     time.Duration
	publishTimeout   time.Duration
	now              func() time.Time
}

func NewPublisher(params PublisherParams) (*Publisher, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.DLQRepository == nil {
		return nil, errors.New("dlq repository is required")
	}
	if params.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	if params.Broker == nil && params.PublisherFactory == nil {
		return nil, errors.New("broker client is required")
	}

	factory := params.PublisherFactory
	if factory == nil {
		broker := params.Broker
		factory = func(topic string) TopicPublisher {
			pub := broker.Publisher(topic)
			if pub == nil {
				return nil
			}
			return newGCPTopicPublisher(pub)
		}
	}

	outboxCfg := params.Config.Outbox
	batch := outboxCfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := outboxCfg.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	maxAttempts := outboxCfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	publishTimeout := outboxCfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Publisher{
		cfg:              params.Config,
		logg:             params.Logger,
		db:               params.DB,
		repo:             params.Repository,
		dlq:              params.DLQRepository,
		registry:         params.Registry,
		metrics:          params.Metrics,
		publisherFactory: factory,
		retryPolicy:      backoff.New(outboxCfg.RetryBackoffBase, outboxCfg.RetryBackoffCap),
		batchSize:        batch,
		maxAttempts:      maxAttempts,
		pollInterval:     time.Duration(pollMs) * time.Millisecond,
		publishTimeout:   publishTimeout,
		now:              now,
	}, nil
}

func (p *Publisher) ensureReadiness(ctx context.Context) error {
	if err := p.db.Ping(ctx); err != nil {
		p.logg.Error(ctx, "database ping failed", err)
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Run polls until the context is canceled. A batch error widens the idle
// interval; an idle cycle sleeps one jittered poll interval. Neither is fatal.
func (p *Publisher) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := p.ensureReadiness(ctx); err != nil {
		return err
	}

	idle := p.pollInterval

	for {
		select {
		case <-ctx.Done():
			p.logg.Info(ctx, "outbox publisher context canceled")
			return ctx.Err()
		default:
		}

		processed, err := p.processBatch(ctx)
		if err != nil {
			p.logg.Error(ctx, "outbox publisher batch error", err)
			idle = p.retryPolicy.Next(idle)
			if err := p.sleep(ctx, p.retryPolicy.WithJitter(idle)); err != nil {
				return err
			}
			continue
		}

		idle = p.pollInterval

		if processed {
			continue
		}

		if err := p.sleep(ctx, p.retryPolicy.WithJitter(p.pollInterval)); err != nil {
			return err
		}
	}
}

// processBatch claims due rows and walks them inside one transaction. The
// claim locks are released at commit; a crash mid-batch leaves the remaining
// rows pending for the next run.
func (p *Publisher) processBatch(ctx context.Context) (bool, error) {
	started := p.now()
	processed := false
	err := p.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := p.repo.ClaimPendingTx(tx, p.batchSize, p.now())
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		processed = true
		for _, event := range events {
			if err := p.processEvent(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if processed {
		p.metrics.ObserveBatch(p.now().Sub(started))
	}
	return processed, err
}

func (p *Publisher) processEvent(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) error {
	resolved, err := p.registry.Resolve(event)
	if err != nil {
		return p.deadLetter(ctx, tx, event, enums.DLQReasonNonRetryable, err, "", nil)
	}

	fields := p.eventFields(event, resolved.Envelope, resolved.Descriptor.Topic)
	if err := p.publishResolved(ctx, event, resolved); err != nil {
		var nonRetry NonRetryableError
		if errors.As(err, &nonRetry) {
			return p.deadLetter(ctx, tx, event, enums.DLQReasonNonRetryable, err, resolved.Descriptor.Topic, fields)
		}

		attempts := event.AttemptCount + 1
		fields["attempt_count"] = attempts

		if attempts >= p.maxAttempts {
			fields["terminal_reason"] = "max_attempts"
			terminalErr := fmt.Errorf("max publish attempts reached: %w", err)
			return p.deadLetter(ctx, tx, event, enums.DLQReasonMaxAttempts, terminalErr, resolved.Descriptor.Topic, fields)
		}

		nextAttemptAt := p.now().Add(p.retryPolicy.Delay(attempts))
		fields["next_attempt_at"] = nextAttemptAt.Format(time.RFC3339Nano)
		logCtx := p.logg.WithFields(ctx, fields)
		logCtx = p.logg.WithField(logCtx, "error", err.Error())
		p.logg.Warn(logCtx, "outbox publish failed")
		p.metrics.IncRetried()
		if markErr := p.repo.MarkRetryTx(tx, event.ID, attempts, nextAttemptAt, err); markErr != nil {
			return fmt.Errorf("mark retry %s: %w", event.ID, markErr)
		}
		return nil
	}

	if markErr := p.repo.MarkSentTx(tx, event.ID, p.now()); markErr != nil {
		return fmt.Errorf("mark sent %s: %w", event.ID, markErr)
	}
	p.metrics.IncPublished()
	p.logg.Info(p.logg.WithFields(ctx, fields), "outbox event published")
	return nil
}

// deadLetter records the terminal failure and flips the row to failed. The
// error log is the operator alert signal; the DLQ row is the replay source.
func (p *Publisher) deadLetter(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason enums.DLQErrorReason, cause error, topic string, fields map[string]any) error {
	if fields == nil {
		fields = p.eventFields(event, PayloadEnvelope{}, topic)
	}
	fields["error_reason"] = reason
	logCtx := p.logg.WithFields(ctx, fields)
	p.logg.Error(logCtx, "outbox event dead-lettered", cause)

	entry := models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  errorMessage(cause),
		AttemptCount:  event.AttemptCount,
		FailedAt:      p.now(),
	}
	if dlqErr := p.dlq.InsertTx(tx, entry); dlqErr != nil {
		return fmt.Errorf("insert dlq %s: %w", event.ID, dlqErr)
	}
	if markErr := p.repo.MarkFailedTx(tx, event.ID, event.AttemptCount+1, cause); markErr != nil {
		return fmt.Errorf("mark failed %s: %w", event.ID, markErr)
	}
	p.metrics.IncDeadLettered()
	return nil
}

func (p *Publisher) publishResolved(ctx context.Context, event models.OutboxEvent, resolved *ResolvedEvent) error {
	topic := resolved.Descriptor.Topic
	pub := p.publisherFactory(topic)
	if pub == nil {
		return NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", topic))
	}

	msg := &gcppubsub.Message{
		Data: event.Payload,
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"event_type":     string(event.EventType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   event.AggregateID,
			"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
		},
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	result := pub.Publish(publishCtx, msg)
	if result == nil {
		return NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", topic))
	}
	if _, err := result.Get(publishCtx); err != nil {
		return err
	}
	return nil
}

func (p *Publisher) eventFields(event models.OutboxEvent, envelope PayloadEnvelope, topic string) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"attempt_count":  event.AttemptCount,
	}
	if envelope.EventID != "" {
		fields["event_id"] = envelope.EventID
		fields["occurred_at"] = envelope.OccurredAt.Format(time.RFC3339Nano)
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}

func (p *Publisher) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newGCPTopicPublisher(p *gcppubsub.Publisher) TopicPublisher {
	if p == nil {
		return nil
	}
	return &gcpTopicPublisher{Publisher: p}
}

type gcpTopicPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpTopicPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) PublishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
