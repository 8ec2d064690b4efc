package kafka

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

type stubWriter struct {
	topic    string
	messages []kafka.Message
	err      error
	closed   bool
}

func (s *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msgs...)
	return nil
}

func (s *stubWriter) Close() error {
	s.closed = true
	return nil
}

func newTestProducer(t *testing.T, prefix string) (*Producer, map[string]*stubWriter) {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "kafka-test", Output: io.Discard})
	p, err := NewProducer(config.KafkaConfig{Brokers: []string{" localhost:9092 "}, TopicPrefix: prefix}, logg)
	require.NoError(t, err)
	writers := map[string]*stubWriter{}
	p.factory = func(topic string) messageWriter {
		w := &stubWriter{topic: topic}
		writers[topic] = w
		return w
	}
	return p, writers
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	_, err := NewProducer(config.KafkaConfig{Brokers: []string{"  "}}, nil)
	require.Error(t, err)
}

func TestPublishUsesPrefixedTopicAndKey(t *testing.T) {
	p, writers := newTestProducer(t, "dispensary")

	err := p.Publish(context.Background(), "orders", Message{
		Key:     "order-1",
		Value:   []byte(`{"ok":true}`),
		Headers: map[string]string{"event_type": "order_created"},
	})
	require.NoError(t, err)

	w, ok := writers["dispensary.orders"]
	require.True(t, ok)
	require.Len(t, w.messages, 1)
	require.Equal(t, "order-1", string(w.messages[0].Key))
	require.Len(t, w.messages[0].Headers, 1)
	require.Equal(t, "event_type", w.messages[0].Headers[0].Key)
}

func TestPublishReusesWriterPerTopic(t *testing.T) {
	p, writers := newTestProducer(t, "")

	require.NoError(t, p.Publish(context.Background(), "payments", Message{Key: "a"}))
	require.NoError(t, p.Publish(context.Background(), "payments", Message{Key: "b"}))

	require.Len(t, writers, 1)
	require.Len(t, writers["payments"].messages, 2)
}

func TestPublishWrapsWriterError(t *testing.T) {
	p, _ := newTestProducer(t, "")
	p.factory = func(topic string) messageWriter {
		return &stubWriter{topic: topic, err: errors.New("leader not available")}
	}

	err := p.Publish(context.Background(), "orders", Message{Key: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "leader not available")
}

func TestCloseClosesWriters(t *testing.T) {
	p, writers := newTestProducer(t, "")
	require.NoError(t, p.Publish(context.Background(), "orders", Message{Key: "x"}))

	require.NoError(t, p.Close())
	require.True(t, writers["orders"].closed)
}
