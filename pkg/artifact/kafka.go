package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaSink publishes every finished artifact to one topic, keyed by
// address@block so replays of the same run land in the same partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	log      *logrus.Entry
}

// NewKafkaSink connects a synchronous producer with full-ISR acks.
func NewKafkaSink(brokers []string, topic string, logger *logrus.Logger) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &KafkaSink{
		producer: producer,
		topic:    topic,
		log:      logger.WithField("component", "artifact"),
	}, nil
}

func (k *KafkaSink) Persist(_ context.Context, artifact *RunArtifact) error {
	payload, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", artifact.Key(), err)
	}

	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(artifact.Key()),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("publish artifact %s: %w", artifact.Key(), err)
	}

	k.log.WithFields(logrus.Fields{
		"key":       artifact.Key(),
		"partition": partition,
		"offset":    offset,
	}).Debug("artifact published")
	return nil
}

func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
