package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"

	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

const dialTimeout = 5 * time.Second

// Message is one record handed to Kafka; Key drives partitioning.
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes outbox events to per-topic Kafka writers.
type Producer struct {
	brokers []string
	prefix  string
	logg    *logger.Logger

	mu      sync.Mutex
	writers map[string]messageWriter
	factory func(topic string) messageWriter
}

// NewProducer validates the broker list and prepares lazily-built writers.
func NewProducer(cfg config.KafkaConfig, logg *logger.Logger) (*Producer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}

	p := &Producer{
		brokers: brokers,
		prefix:  strings.TrimSpace(cfg.TopicPrefix),
		logg:    logg,
		writers: map[string]messageWriter{},
	}
	p.factory = p.newWriter
	return p, nil
}

func (p *Producer) newWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
}

// TopicName applies the configured prefix.
func (p *Producer) TopicName(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// Publish writes one message and waits for broker acknowledgement.
func (p *Producer) Publish(ctx context.Context, topic string, msg Message) error {
	if strings.TrimSpace(topic) == "" {
		return errors.New("kafka topic is required")
	}
	w := p.writer(p.TopicName(topic))

	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: headers,
		Time:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

func (p *Producer) writer(topic string) messageWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := p.factory(topic)
	p.writers[topic] = w
	return w
}

// Ping dials the first reachable broker.
func (p *Producer) Ping(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: dialTimeout}
	var errs error
	for _, broker := range p.brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", broker, err))
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("kafka brokers unreachable: %w", errs)
}

// Close flushes and closes every writer.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", topic, err))
		}
	}
	p.writers = map[string]messageWriter{}
	if errs != nil {
		return errs
	}
	if p.logg != nil {
		p.logg.Info(context.Background(), "kafka producer closed")
	}
	return nil
}
