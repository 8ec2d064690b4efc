package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/dispensary-engine/pkg/bigquery"
	"github.com/angelmondragon/dispensary-engine/pkg/kafka"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox/registry"
)

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type topicPublisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

// pubSubSink caches one publisher per topic and waits on each result.
type pubSubSink struct {
	client  pubSubClient
	factory func(topic string) topicPublisher

	mu         sync.Mutex
	publishers map[string]topicPublisher
}

func newPubSubSink(client pubSubClient) *pubSubSink {
	s := &pubSubSink{client: client, publishers: map[string]topicPublisher{}}
	s.factory = func(topic string) topicPublisher {
		p := client.Publisher(topic)
		if p == nil {
			return nil
		}
		return &gcpPublisher{Publisher: p}
	}
	return s
}

func (s *pubSubSink) Name() string { return "pubsub" }

func (s *pubSubSink) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

func (s *pubSubSink) Publish(ctx context.Context, topic string, msg outboundMessage) error {
	pub := s.publisher(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", topic))
	}
	result := pub.Publish(ctx, &gcppubsub.Message{
		Data:       msg.Data,
		Attributes: msg.Attributes,
	})
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", topic))
	}
	_, err := result.Get(ctx)
	return err
}

func (s *pubSubSink) publisher(topic string) topicPublisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.publishers[topic]; ok {
		return p
	}
	p := s.factory(topic)
	if p != nil {
		s.publishers[topic] = p
	}
	return p
}

// Stop flushes buffered messages on every cached publisher.
func (s *pubSubSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.publishers {
		if g, ok := p.(*gcpPublisher); ok && g.Publisher != nil {
			g.Publisher.Stop()
		}
	}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
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

type kafkaProducer interface {
	Ping(context.Context) error
	Publish(ctx context.Context, topic string, msg kafka.Message) error
}

// kafkaSink keys records by aggregate id so one aggregate stays on one partition.
type kafkaSink struct {
	producer kafkaProducer
}

func (s *kafkaSink) Name() string { return "kafka" }

func (s *kafkaSink) Ping(ctx context.Context) error { return s.producer.Ping(ctx) }

func (s *kafkaSink) Publish(ctx context.Context, topic string, msg outboundMessage) error {
	return s.producer.Publish(ctx, topic, kafka.Message{
		Key:     msg.Key,
		Value:   msg.Data,
		Headers: msg.Attributes,
	})
}

type warehouseWriter interface {
	Ping(context.Context) error
	InsertEvent(ctx context.Context, row bigquery.EventRow) error
}

// bigQuerySink lands every event in the finance warehouse table instead of a broker.
type bigQuerySink struct {
	writer warehouseWriter
	now    func() time.Time
}

func (s *bigQuerySink) Name() string { return "bigquery" }

func (s *bigQuerySink) Ping(ctx context.Context) error { return s.writer.Ping(ctx) }

func (s *bigQuerySink) Publish(ctx context.Context, topic string, msg outboundMessage) error {
	eventID := msg.Attributes["event_id"]
	if eventID == "" {
		return registry.NewNonRetryableError(errors.New("event id attribute missing"))
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	publishedAt := now().UTC()
	occurredAt, err := time.Parse(time.RFC3339Nano, msg.Attributes["created_at"])
	if err != nil {
		occurredAt = publishedAt
	}
	return s.writer.InsertEvent(ctx, bigquery.EventRow{
		EventID:       eventID,
		EventType:     msg.Attributes["event_type"],
		AggregateType: msg.Attributes["aggregate_type"],
		AggregateID:   msg.Key,
		Topic:         topic,
		Payload:       string(msg.Data),
		OccurredAt:    occurredAt,
		PublishedAt:   publishedAt,
	})
}
