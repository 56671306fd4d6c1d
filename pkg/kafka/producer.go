// Package kafka publishes JSON events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	skafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Writer is the subset of kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Producer writes keyed JSON messages through a Writer.
type Producer struct {
	writer Writer
	logger *zap.Logger
}

// NewProducer creates a producer for topic on the given brokers. Messages with the same key
// land on the same partition, keeping per-entity ordering.
func NewProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	w := &skafka.Writer{
		Addr:         skafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &skafka.Hash{},
		RequiredAcks: skafka.RequireAll,
		WriteTimeout: 10 * time.Second,
	}
	return NewProducerWithWriter(w, logger)
}

// NewProducerWithWriter allows injecting a test writer.
func NewProducerWithWriter(w Writer, logger *zap.Logger) *Producer {
	return &Producer{writer: w, logger: logger.With(zap.String("component", "kafka_producer"))}
}

// Publish marshals value to JSON and writes it under key.
func (p *Producer) Publish(ctx context.Context, key string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal kafka value: %w", err)
	}
	msg := skafka.Message{Key: []byte(key), Value: b, Time: time.Now()}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("kafka write failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
