package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

// DeadLetterStrategy decides what happens to a message that has
// exhausted redelivery, one of the capability interfaces spec §9 calls
// out as dynamically dispatched alongside Policy/Cursor/Store/Accountant.
type DeadLetterStrategy interface {
	// Handle is invoked by the coordinator when a reference's
	// RedeliveryCount crosses the configured maximum. Returning an error
	// does not block the drop; it is logged (LoadFailure-style) and the
	// reference is still tombstoned.
	Handle(ctx context.Context, msg *Message) error
}

// DropDeadLetterStrategy discards the message; the zero value default.
type DropDeadLetterStrategy struct{}

func (DropDeadLetterStrategy) Handle(context.Context, *Message) error { return nil }

// kafkaDeadLetter publishes exhausted-redelivery messages to a
// configured Kafka topic, grounded on the teacher's
// modules/eventbus/kafka.go producer setup and modules/eventbus/go.mod's
// IBM/sarama dependency.
type kafkaDeadLetter struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaDeadLetterStrategy builds a DeadLetterStrategy that publishes
// to topic via a synchronous Sarama producer built from brokers.
func NewKafkaDeadLetterStrategy(brokers []string, topic string) (DeadLetterStrategy, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("dead letter: new producer: %w", err)
	}
	return &kafkaDeadLetter{producer: producer, topic: topic}, nil
}

func (k *kafkaDeadLetter) Handle(_ context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dead letter: encode: %w", err)
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(msg.ID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("dead letter: send: %w", err)
	}
	return nil
}

// Close releases the underlying producer.
func (k *kafkaDeadLetter) Close() error {
	if err := k.producer.Close(); err != nil {
		return fmt.Errorf("dead letter: close producer: %w", err)
	}
	return nil
}
