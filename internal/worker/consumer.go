package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/parallax-avatar/internal/worker/domain"
)

// errDeliveriesClosed is returned when the broker stops delivering
var errDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

// setupConsumer starts consuming with the worker ID as consumer tag.
// Prefetch is applied by the client when it sets up the channel.
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.consumer.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
	)
	return deliveries, nil
}

// decodeDelivery turns a delivery into a BatchMessage
func decodeDelivery(delivery amqp.Delivery) (*domain.BatchMessage, error) {
	var msg domain.BatchMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}

	if _, err := uuid.Parse(msg.BatchID); err != nil {
		return nil, fmt.Errorf("%w: batch_id %q is not a UUID", domain.ErrInvalidMessage, msg.BatchID)
	}

	msg.DeliveryTag = delivery.DeliveryTag
	msg.Acknowledger = delivery.Acknowledger
	return &msg, nil
}

// startMessageDispatcher listens to RabbitMQ deliveries and dispatches batches to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	w.logger.Info("Message dispatcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return errDeliveriesClosed
			}

			msg, err := decodeDelivery(delivery)
			if err != nil {
				w.logger.Error("Dropping malformed message",
					slog.Any("error", err),
					slog.String("body", string(delivery.Body)),
				)
				// malformed messages are not requeued
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message", slog.Any("error", nackErr))
				}
				continue
			}

			select {
			case w.jobsChan <- msg:
				w.logger.Debug("Batch dispatched to worker pool",
					slog.String("batch_id", msg.BatchID),
					slog.Uint64("delivery_tag", msg.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching batch")
				if nackErr := msg.Nack(true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown", slog.Any("error", nackErr))
				}
				return nil
			}
		}
	}
}
