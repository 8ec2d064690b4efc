package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollMs         = 500
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	maxIdleBackoff        = 10 * time.Second
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type dlqRepository interface {
	Record(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// outboundMessage is the sink-neutral form of one outbox row.
type outboundMessage struct {
	Key        string
	Data       []byte
	Attributes map[string]string
}

// eventSink delivers messages to a broker; Publish blocks until acknowledged.
type eventSink interface {
	Name() string
	Ping(context.Context) error
	Publish(ctx context.Context, topic string, msg outboundMessage) error
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            dbClient
	Sink          eventSink
	Repository    outboxRepository
	Registry      registryResolver
	DLQRepository dlqRepository
}

// Service drains outbox_events into the configured sink. Order, payment, refund and chargeback
// events for one order share a message key so partitioned sinks deliver them in order.
type Service struct {
	logg         *logger.Logger
	db           dbClient
	repo         outboxRepository
	sink         eventSink
	registry     registryResolver
	dlq          dlqRepository
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
	now          func() time.Time
	jitter       func(time.Duration) time.Duration
}

// delivery is what happened to one row in a batch.
type delivery int

const (
	delivered delivery = iota
	deferred
	deadLettered
)

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.Sink == nil:
		return nil, errors.New("event sink is required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case params.Registry == nil:
		return nil, errors.New("event registry is required")
	case params.DLQRepository == nil:
		return nil, errors.New("dlq repository is required")
	}

	cfg := params.Config.Outbox
	svc := &Service{
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		sink:         params.Sink,
		registry:     params.Registry,
		dlq:          params.DLQRepository,
		batchSize:    orDefault(cfg.BatchSize, defaultBatchSize),
		maxAttempts:  orDefault(cfg.MaxAttempts, defaultMaxAttempts),
		pollInterval: time.Duration(orDefault(cfg.PollIntervalMS, defaultPollMs)) * time.Millisecond,
		now:          func() time.Time { return time.Now().UTC() },
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	svc.jitter = func(d time.Duration) time.Duration {
		if d <= 0 {
			return 0
		}
		// up to a fifth of the wait, so publisher replicas drift apart
		return d + time.Duration(rng.Int63n(int64(d)/5+1))
	}
	return svc, nil
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// Run polls until ctx is cancelled. An empty batch waits one poll interval; a failing batch
// doubles the wait up to maxIdleBackoff.
func (s *Service) Run(ctx context.Context) error {
	for name, ping := range map[string]func(context.Context) error{"database": s.db.Ping, s.sink.Name(): s.sink.Ping} {
		if err := ping(ctx); err != nil {
			s.logg.Error(ctx, name+" ping failed", err)
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
	}

	wait := s.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			s.logg.Info(ctx, "outbox publisher stopping")
			return err
		}

		busy, err := s.processBatch(ctx)
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox publisher batch error", err)
			wait = min(wait*2, maxIdleBackoff)
		case busy:
			wait = s.pollInterval
			continue
		default:
			wait = s.pollInterval
		}

		timer := time.NewTimer(s.jitter(wait))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// processBatch publishes one locked batch. It reports whether any rows were claimed.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	claimed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		claimed = len(events) > 0
		tally := map[delivery]int{}
		for _, event := range events {
			outcome, err := s.deliver(ctx, tx, event)
			if err != nil {
				return err
			}
			tally[outcome]++
		}
		if tally[deadLettered] > 0 || tally[deferred] > 0 {
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"batch_size":    len(events),
				"published":     tally[delivered],
				"deferred":      tally[deferred],
				"dead_lettered": tally[deadLettered],
			}), "outbox batch finished with failures")
		}
		return nil
	})
	return claimed, err
}

// deliver publishes a single row and records the outcome on it. The returned error is a
// bookkeeping failure that must roll the batch back; publish failures are absorbed.
func (s *Service) deliver(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) (delivery, error) {
	orderID := outbox.OrderRef(event)
	resolved, err := s.registry.Resolve(event)
	if err != nil {
		return deadLettered, s.deadLetter(ctx, tx, event, orderID, "", enums.OutboxDLQReasonNonRetryable, err)
	}

	topic := resolved.Descriptor.Topic
	if topic == "" {
		err = registry.NewNonRetryableError(fmt.Errorf("no topic configured for %s", event.EventType))
	} else {
		err = s.publish(ctx, event, orderID, resolved, topic)
	}

	var nonRetry registry.NonRetryableError
	switch {
	case err == nil:
		if markErr := s.repo.MarkPublishedTx(tx, event.ID); markErr != nil {
			return delivered, fmt.Errorf("mark published %s: %w", event.ID, markErr)
		}
		s.logg.Info(s.logg.WithFields(ctx, s.eventFields(event, orderID, topic)), "outbox event published")
		return delivered, nil
	case errors.As(err, &nonRetry):
		return deadLettered, s.deadLetter(ctx, tx, event, orderID, topic, enums.OutboxDLQReasonNonRetryable, err)
	case event.AttemptCount+1 >= s.maxAttempts:
		cause := fmt.Errorf("gave up after %d attempts: %w", event.AttemptCount+1, err)
		return deadLettered, s.deadLetter(ctx, tx, event, orderID, topic, enums.OutboxDLQReasonMaxAttempts, cause)
	}

	fields := s.eventFields(event, orderID, topic)
	fields["attempt_count"] = event.AttemptCount + 1
	fields["error"] = err.Error()
	s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox publish failed, will retry")
	if markErr := s.repo.MarkFailedTx(tx, event.ID, err); markErr != nil {
		return deferred, fmt.Errorf("mark failure %s: %w", event.ID, markErr)
	}
	return deferred, nil
}

func (s *Service) deadLetter(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, orderID *uuid.UUID, topic string, reason enums.OutboxDLQErrorReason, cause error) error {
	fields := s.eventFields(event, orderID, topic)
	fields["error_reason"] = reason
	fields["error"] = cause.Error()
	s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox event dead lettered")

	if err := s.dlq.Record(tx, outbox.DeadLetter(event, reason, topic, cause, s.now())); err != nil {
		return fmt.Errorf("insert dlq %s: %w", event.ID, err)
	}
	if err := s.repo.MarkTerminalTx(tx, event.ID, cause, s.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, event models.OutboxEvent, orderID *uuid.UUID, resolved *registry.ResolvedEvent, topic string) error {
	key := event.AggregateID.String()
	attrs := map[string]string{
		"event_id":       resolved.Envelope.EventID,
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID.String(),
		"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
	}
	if orderID != nil {
		key = orderID.String()
		attrs["order_id"] = key
	}

	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	return s.sink.Publish(publishCtx, topic, outboundMessage{Key: key, Data: event.Payload, Attributes: attrs})
}

func (s *Service) eventFields(event models.OutboxEvent, orderID *uuid.UUID, topic string) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"attempt_count":  event.AttemptCount,
	}
	if orderID != nil {
		fields["order_id"] = orderID.String()
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}
