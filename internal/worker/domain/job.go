package domain

import amqp "github.com/rabbitmq/amqp091-go"

// BatchMessage is the queue message asking a worker to run a stored batch
type BatchMessage struct {
	BatchID string `json:"batch_id"`

	DeliveryTag  uint64            `json:"-"`
	Acknowledger amqp.Acknowledger `json:"-"`
}

// Ack acknowledges the delivery the message came from
func (m *BatchMessage) Ack() error {
	return m.Acknowledger.Ack(m.DeliveryTag, false)
}

// Nack rejects the delivery, optionally putting it back on the queue
func (m *BatchMessage) Nack(requeue bool) error {
	return m.Acknowledger.Nack(m.DeliveryTag, false, requeue)
}
