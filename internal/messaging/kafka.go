package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"erp/sparewo/fulfillment/internal/logging"
)

var ErrNoBrokers = errors.New("kafka: no brokers configured")

// KafkaClient builds writers and readers against one broker list.
type KafkaClient struct {
	Brokers []string
}

func NewKafkaClient(brokersCSV string) *KafkaClient {
	brokers := []string{}
	for _, b := range strings.Split(brokersCSV, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return &KafkaClient{Brokers: brokers}
}

func (c *KafkaClient) Enabled() bool {
	return c != nil && len(c.Brokers) > 0
}

func (c *KafkaClient) NewWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

func (c *KafkaClient) NewReader(topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.Brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
}

// KafkaPublisher writes events keyed by order id.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(c *KafkaClient, topic string) (*KafkaPublisher, error) {
	if !c.Enabled() {
		return nil, ErrNoBrokers
	}
	return &KafkaPublisher{writer: c.NewWriter(topic)}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.Key()),
		Value: data,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(evt.Type)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

const kafkaMaxAttempts = 5

// ConsumeKafka reads intake messages until ctx ends. Kafka has no per-message
// nack, so a retryable failure is retried in place with backoff and the
// offset is committed once the message is settled or attempts run out.
func ConsumeKafka(ctx context.Context, c *KafkaClient, topic, groupID string, h OrderHandler, log *slog.Logger) error {
	if !c.Enabled() {
		return ErrNoBrokers
	}
	reader := c.NewReader(topic, groupID)
	defer reader.Close()

	log.Info("consuming orders", "broker", "kafka", "topic", topic, "group", groupID)
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Error("kafka read error", "error", err)
			if !sleepCtx(ctx, 2*time.Second) {
				return nil
			}
			continue
		}

		for attempt := 1; ; attempt++ {
			if Dispatch(ctx, msg.Value, h, log) == Ack {
				break
			}
			if attempt >= kafkaMaxAttempts {
				log.Error("giving up on order message", logging.KeyStep, "kafka", "offset", msg.Offset, "attempts", attempt)
				break
			}
			if !sleepCtx(ctx, time.Duration(attempt*attempt)*time.Second) {
				return nil
			}
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Error("kafka commit error", "error", err, "offset", msg.Offset)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
