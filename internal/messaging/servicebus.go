package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// NewServiceBusClient prefers a connection string and falls back to the
// default Azure credential chain against the namespace.
func NewServiceBusClient(connectionString, namespace string) (*azservicebus.Client, error) {
	if connectionString != "" {
		return azservicebus.NewClientFromConnectionString(connectionString, nil)
	}
	if namespace == "" {
		return nil, errors.New("service bus namespace is not set")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("obtain azure credential: %w", err)
	}
	return azservicebus.NewClient(namespace, cred, nil)
}

type ServiceBusPublisher struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
}

func NewServiceBusPublisher(client *azservicebus.Client, queue string) (*ServiceBusPublisher, error) {
	sender, err := client.NewSender(queue, nil)
	if err != nil {
		return nil, fmt.Errorf("create sender for %s: %w", queue, err)
	}
	return &ServiceBusPublisher{client: client, sender: sender}, nil
}

func (p *ServiceBusPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	contentType := "application/json"
	subject := evt.Type
	messageID := evt.ID
	partitionKey := evt.Key()
	return p.sender.SendMessage(ctx, &azservicebus.Message{
		Body:         body,
		ContentType:  &contentType,
		Subject:      &subject,
		MessageID:    &messageID,
		PartitionKey: &partitionKey,
	}, nil)
}

func (p *ServiceBusPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.sender.Close(ctx); err != nil {
		return err
	}
	return p.client.Close(ctx)
}

// ConsumeServiceBus keeps a receiver open on the intake queue. Retryable
// failures are abandoned so the broker redelivers them.
func ConsumeServiceBus(ctx context.Context, client *azservicebus.Client, queue string, h OrderHandler, log *slog.Logger) error {
	receiver, err := client.NewReceiverForQueue(queue, nil)
	if err != nil {
		return fmt.Errorf("create receiver: %w", err)
	}
	defer receiver.Close(context.Background())

	log.Info("consuming orders", "broker", "servicebus", "queue", queue)
	for {
		messages, err := receiver.ReceiveMessages(ctx, 1, nil)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Error("service bus receive error", "error", err)
			if !sleepCtx(ctx, 2*time.Second) {
				return nil
			}
			continue
		}

		for _, message := range messages {
			if Dispatch(ctx, message.Body, h, log) == Retry {
				if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
					log.Error("abandon message failed", "error", err)
				}
				continue
			}
			if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error("complete message failed", "error", err)
			}
		}
	}
}
