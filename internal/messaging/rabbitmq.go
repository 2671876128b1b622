package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	OrderCreatedQueue = "fulfillment_order_created"
	dialAttempts      = 5
)

type RabbitConfig struct {
	URL      string
	Exchange string
}

// RabbitClient owns one connection and a publishing channel on a durable
// topic exchange. Event types are the routing keys.
type RabbitClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     RabbitConfig
	log     *slog.Logger
}

func NewRabbitClient(cfg RabbitConfig, log *slog.Logger) (*RabbitClient, error) {
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("exchange name cannot be empty")
	}

	var conn *amqp.Connection
	var err error
	for i := 0; i < dialAttempts; i++ {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		retry := time.Duration(i*i)*time.Second + time.Second
		log.Warn("rabbitmq dial failed, retrying", "in", retry, "error", err)
		time.Sleep(retry)
	}
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq after retries: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return &RabbitClient{conn: conn, channel: channel, cfg: cfg, log: log}, nil
}

func (c *RabbitClient) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			return err
		}
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *RabbitClient) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = c.channel.PublishWithContext(ctx, c.cfg.Exchange, evt.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Timestamp:    evt.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", evt.Type, c.cfg.Exchange, err)
	}
	return nil
}

// ConsumeOrders binds the intake queue to order.created and handles
// deliveries one at a time until ctx ends or the channel closes.
func (c *RabbitClient) ConsumeOrders(ctx context.Context, h OrderHandler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(OrderCreatedQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", OrderCreatedQueue, err)
	}
	if err := ch.QueueBind(q.Name, TopicOrderCreated, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set QoS: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	c.log.Info("consuming orders", "broker", "rabbitmq", "queue", q.Name)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if Dispatch(ctx, msg.Body, h, c.log) == Retry {
				_ = msg.Nack(false, true)
				continue
			}
			_ = msg.Ack(false)
		}
	}
}
