package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/therealutkarshpriyadarshi/spanship/internal/metrics"
	"github.com/therealutkarshpriyadarshi/spanship/internal/reliability"
	"github.com/therealutkarshpriyadarshi/spanship/pkg/types"
)

var ErrClosed = errors.New("sink is closed")

// Sink defines the interface for span destinations
type Sink interface {
	// Deliver synchronously sends one span record. A nil return means the
	// destination accepted it.
	Deliver(ctx context.Context, rec *types.SpanRecord) error

	// Name returns the name of the sink
	Name() string

	// Close releases the sink's resources
	Close() error
}

// Permanent marks a delivery error that retrying cannot fix
func Permanent(err error) error {
	return reliability.Permanent(err)
}

// Config selects and configures the sink
type Config struct {
	// Type is one of http, kafka, redis, elasticsearch or stdout
	Type string `yaml:"type"`

	// RateLimit caps deliveries per second across all files; 0 disables it
	RateLimit float64 `yaml:"rate_limit,omitempty"`
	Burst     int     `yaml:"burst,omitempty"`

	CircuitBreaker BreakerConfig `yaml:"circuit_breaker,omitempty"`

	HTTP          HTTPConfig          `yaml:"http,omitempty"`
	Kafka         KafkaConfig         `yaml:"kafka,omitempty"`
	Redis         RedisConfig         `yaml:"redis,omitempty"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch,omitempty"`
}

// DefaultConfig returns a configuration targeting the span-builder HTTP API
func DefaultConfig() Config {
	return Config{
		Type:          "http",
		HTTP:          DefaultHTTPConfig(),
		Kafka:         DefaultKafkaConfig(),
		Redis:         DefaultRedisConfig(),
		Elasticsearch: DefaultElasticsearchConfig(),
	}
}

// New builds the configured sink. It is wrapped, innermost first, with the
// circuit breaker and rate limiting when enabled and with metrics when
// collector is non-nil.
func New(ctx context.Context, cfg Config, collector *metrics.Collector) (Sink, error) {
	var (
		s   Sink
		err error
	)

	switch cfg.Type {
	case "", "http":
		s, err = NewHTTPSink(cfg.HTTP)
	case "kafka":
		s, err = NewKafkaSink(cfg.Kafka)
	case "redis":
		s, err = NewRedisSink(ctx, cfg.Redis)
	case "elasticsearch":
		s, err = NewElasticsearchSink(cfg.Elasticsearch)
	case "stdout":
		s = NewStdoutSink(nil)
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CircuitBreaker.Failures > 0 {
		s = NewBreaker(s, cfg.CircuitBreaker, collector)
	}

	if cfg.RateLimit > 0 {
		s = NewRateLimited(s, cfg.RateLimit, cfg.Burst)
	}

	if collector != nil {
		s = NewInstrumented(s, collector)
	}

	return s, nil
}
