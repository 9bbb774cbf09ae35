package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/relabs-tech/docrest/core"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// DefaultTopic is the topic notifications are published to if no other topic is configured
const DefaultTopic = "resource_notification"

// messageWriter is the part of *kafka.Writer used by Kafka
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes notifications to a Kafka topic. The message key is the resource id, so all
// notifications of a document land on the same partition.
type Kafka struct {
	writer messageWriter
	log    logrus.FieldLogger
}

// NewKafka returns a notifier writing to topic on brokers
func NewKafka(brokers []string, topic string, log logrus.FieldLogger) *Kafka {
	if topic == "" {
		topic = DefaultTopic
	}
	log.Infoln("publishing notifications to kafka topic", topic, "on", brokers)
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		log: log,
	}
}

// Notify implements core.Notifier
func (k *Kafka) Notify(ctx context.Context, resource string, operation core.Operation, id uuid.UUID, payload []byte) error {
	data, err := json.Marshal(newNotification(resource, operation, id, payload))
	if err != nil {
		return fmt.Errorf("cannot marshal notification: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(id.String()), Value: data})
	if err != nil {
		return fmt.Errorf("cannot publish notification for %s %s: %w", resource, id, err)
	}
	k.log.Debugf("published %s notification for %s %s", operation, resource, id)
	return nil
}

// Close flushes pending messages and closes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
