// Package messaging carries fulfillment events out to a broker and order
// intake messages in from one. Kafka, RabbitMQ and Azure Service Bus are
// supported; the log publisher is the default when no broker is configured.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"erp/sparewo/fulfillment/internal/domain"
	"erp/sparewo/fulfillment/internal/logging"
)

// Event types.
const (
	TopicFulfillmentAssigned      = "fulfillment.assigned"
	TopicFulfillmentStatusChanged = "fulfillment.status_changed"
	TopicOrderCompleted           = "order.completed"
	TopicOrderCancelled           = "order.cancelled"
	TopicOrderCreated             = "order.created"
)

type Event struct {
	ID            string    `json:"event_id"`
	Type          string    `json:"type"`
	OrderID       string    `json:"order_id"`
	FulfillmentID string    `json:"fulfillment_id,omitempty"`
	VendorID      string    `json:"vendor_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
	Payload       any       `json:"payload,omitempty"`
}

func NewEvent(typ, orderID string, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OrderID:    orderID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Key partitions events by order so one order's events stay in sequence.
func (e Event) Key() string {
	return e.OrderID
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// LogPublisher writes events to the log instead of a broker.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	p.log.Info("event",
		logging.KeyEventID, evt.ID,
		logging.KeyStep, evt.Type,
		logging.KeyOrderID, evt.OrderID,
		logging.KeyFulfillmentID, evt.FulfillmentID,
		logging.KeyVendorID, evt.VendorID,
		logging.KeyStatus, evt.Status,
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// ---------------------------------------------------------------------------
// Order intake
// ---------------------------------------------------------------------------

// OrderCreated is the intake message that triggers auto-assignment.
type OrderCreated struct {
	Order         domain.Order `json:"order"`
	PreferQuality *bool        `json:"prefer_quality,omitempty"`
}

var ErrUndecodable = errors.New("undecodable order message")

// DecodeOrderCreated accepts the message as a JSON object or as a JSON string
// holding the object. A bare order object without the envelope is accepted
// too.
func DecodeOrderCreated(body []byte) (OrderCreated, error) {
	var raw json.RawMessage = body
	var inner string
	if err := json.Unmarshal(body, &inner); err == nil {
		raw = json.RawMessage(inner)
	}

	var msg OrderCreated
	if err := json.Unmarshal(raw, &msg); err != nil {
		return OrderCreated{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if msg.Order.ID == "" {
		var bare domain.Order
		if err := json.Unmarshal(raw, &bare); err != nil {
			return OrderCreated{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		msg.Order = bare
	}
	if err := msg.Order.Validate(); err != nil {
		return OrderCreated{}, err
	}
	return msg, nil
}

type OrderHandler func(ctx context.Context, msg OrderCreated) error

type Outcome int

const (
	Ack Outcome = iota
	Retry
)

func (o Outcome) String() string {
	if o == Retry {
		return "retry"
	}
	return "ack"
}

// Dispatch decodes one intake message and runs h. Messages that can never
// succeed are acknowledged and logged; everything else asks for redelivery.
func Dispatch(ctx context.Context, body []byte, h OrderHandler, log *slog.Logger) Outcome {
	msg, err := DecodeOrderCreated(body)
	if err != nil {
		log.Error("dropping order message", "error", err)
		return Ack
	}
	if err := h(ctx, msg); err != nil {
		if Permanent(err) {
			log.Warn("order not assigned", logging.KeyOrderID, msg.Order.ID, "error", err)
			return Ack
		}
		log.Error("order handler failed", logging.KeyOrderID, msg.Order.ID, "error", err)
		return Retry
	}
	return Ack
}

// Permanent reports whether redelivering the message cannot change the result.
func Permanent(err error) bool {
	return errors.Is(err, domain.ErrNoVendorsAvailable) ||
		errors.Is(err, domain.ErrAlreadyAssigned) ||
		errors.Is(err, domain.ErrOrderNotFound) ||
		errors.Is(err, domain.ErrOrderClosed) ||
		errors.Is(err, domain.ErrMalformedRecord) ||
		errors.Is(err, domain.ErrInvalidAssignment)
}
