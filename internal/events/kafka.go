package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
)

const kafkaProducerRetries = 3

var (
	errMissingProducer = errors.New("events: kafka producer is nil")
	errMissingTopic    = errors.New("events: kafka topic is empty")
	errMissingBrokers  = errors.New("events: kafka brokers are empty")
)

// NewKafkaProducer creates a synchronous producer that waits for all in-sync replicas.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errMissingBrokers
	}
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaProducerRetries
	config.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// KafkaPublisher writes BalanceChanged events to a topic, keyed by user id so one user's
// events stay ordered within a partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher wraps a producer.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string) (*KafkaPublisher, error) {
	if producer == nil {
		return nil, errMissingProducer
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errMissingTopic
	}
	return &KafkaPublisher{producer: producer, topic: strings.TrimSpace(topic)}, nil
}

// Publish sends the event and waits for the broker acknowledgement.
func (publisher *KafkaPublisher) Publish(ctx context.Context, event ledger.BalanceChanged) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka encode: %w", err)
	}
	message := &sarama.ProducerMessage{
		Topic: publisher.topic,
		Key:   sarama.StringEncoder(event.UserID),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := publisher.producer.SendMessage(message); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Close closes the underlying producer.
func (publisher *KafkaPublisher) Close() error {
	return publisher.producer.Close()
}
