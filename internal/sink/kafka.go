package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/therealutkarshpriyadarshi/spanship/pkg/types"
)

// KafkaConfig contains Kafka-specific configuration
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses
	Brokers []string `yaml:"brokers"`

	// Topic receives one message per span
	Topic string `yaml:"topic"`

	// RequiredAcks specifies the number of acknowledgments required (0, 1, -1)
	RequiredAcks int16 `yaml:"required_acks,omitempty"`

	// Compression specifies the codec (none, gzip, snappy, lz4, zstd)
	Compression string `yaml:"compression,omitempty"`

	// Idempotent enables the idempotent producer
	Idempotent bool `yaml:"idempotent,omitempty"`

	ClientID string `yaml:"client_id,omitempty"`

	// Version is the Kafka protocol version
	Version string `yaml:"version,omitempty"`
}

// DefaultKafkaConfig returns default Kafka configuration
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "spans",
		RequiredAcks: -1,
		Compression:  "none",
		ClientID:     "spanship",
		Version:      "3.0.0",
	}
}

// KafkaSink sends each span as a message keyed by trace ID, so all events
// of one trace land on the same partition in order
type KafkaSink struct {
	config   KafkaConfig
	producer sarama.SyncProducer
	closed   atomic.Bool
}

// NewKafkaSink creates a new Kafka sink
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	saramaConfig, err := newSaramaConfig(config)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return NewKafkaSinkWithProducer(config, producer), nil
}

// NewKafkaSinkWithProducer creates a Kafka sink around an existing producer
func NewKafkaSinkWithProducer(config KafkaConfig, producer sarama.SyncProducer) *KafkaSink {
	return &KafkaSink{
		config:   config,
		producer: producer,
	}
}

func newSaramaConfig(config KafkaConfig) (*sarama.Config, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}

	if config.Topic == "" {
		return nil, fmt.Errorf("no topic specified")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(config.RequiredAcks)
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	if config.ClientID != "" {
		saramaConfig.ClientID = config.ClientID
	}

	switch config.Compression {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		saramaConfig.Producer.Compression = sarama.CompressionNone
	}

	if config.Version != "" {
		version, err := sarama.ParseKafkaVersion(config.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		saramaConfig.Version = version
	}

	if config.Idempotent {
		saramaConfig.Producer.Idempotent = true
		saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
		saramaConfig.Net.MaxOpenRequests = 1
	}

	if err := saramaConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid Kafka configuration: %w", err)
	}

	return saramaConfig, nil
}

// Deliver sends one span and waits for the broker acknowledgment
func (k *KafkaSink) Deliver(ctx context.Context, rec *types.SpanRecord) error {
	if k.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := k.buildMessage(rec)
	if err != nil {
		return Permanent(err)
	}

	if _, _, err := k.producer.SendMessage(msg); err != nil {
		if errors.Is(err, sarama.ErrMessageSizeTooLarge) || errors.Is(err, sarama.ErrInvalidMessage) {
			return Permanent(fmt.Errorf("kafka rejected span: %w", err))
		}
		return fmt.Errorf("failed to send message to Kafka: %w", err)
	}

	return nil
}

// buildMessage creates a producer message from a span record
func (k *KafkaSink) buildMessage(rec *types.SpanRecord) (*sarama.ProducerMessage, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal span record: %w", err)
	}

	key := rec.Span.TraceID
	if key == "" {
		key = rec.Source
	}

	return &sarama.ProducerMessage{
		Topic: k.config.Topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("delivery-id"), Value: []byte(rec.ID)},
			{Key: []byte("source"), Value: []byte(rec.Source)},
			{Key: []byte("offset"), Value: []byte(strconv.FormatUint(rec.Offset, 10))},
		},
	}, nil
}

// Name returns the sink name
func (k *KafkaSink) Name() string {
	return "kafka"
}

// Close closes the producer
func (k *KafkaSink) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
