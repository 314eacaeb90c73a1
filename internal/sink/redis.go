package sink

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/spanship/pkg/types"
)

// RedisConfig holds Redis stream configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`

	// Stream is the key spans are appended to with XADD
	Stream string `yaml:"stream"`

	// MaxLen approximately trims the stream; 0 keeps everything
	MaxLen int64 `yaml:"max_len,omitempty"`

	PoolSize     int           `yaml:"pool_size,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
}

// DefaultRedisConfig returns default Redis configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Stream:       "spanship:spans",
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisSink appends each span to a Redis stream
type RedisSink struct {
	config RedisConfig
	client *redis.Client
	closed atomic.Bool
}

// NewRedisSink connects to Redis and verifies the connection
func NewRedisSink(ctx context.Context, config RedisConfig) (*RedisSink, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("no address specified")
	}
	if config.Stream == "" {
		return nil, fmt.Errorf("no stream specified")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisSink{
		config: config,
		client: client,
	}, nil
}

// Deliver appends one span to the stream
func (r *RedisSink) Deliver(ctx context.Context, rec *types.SpanRecord) error {
	if r.closed.Load() {
		return ErrClosed
	}

	if err := r.client.XAdd(context.WithoutCancel(ctx), streamArgs(r.config, rec)).Err(); err != nil {
		return fmt.Errorf("failed to append span to stream: %w", err)
	}
	return nil
}

func streamArgs(config RedisConfig, rec *types.SpanRecord) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: config.Stream,
		ID:     "*",
		Values: map[string]interface{}{
			"id":         rec.ID,
			"source":     rec.Source,
			"offset":     rec.Offset,
			"traceId":    rec.Span.TraceID,
			"nodeId":     rec.Span.NodeID,
			"peerNodeId": rec.Span.PeerNodeID,
			"threadId":   rec.Span.ThreadID,
			"timestamp":  rec.Span.Timestamp,
			"eventType":  rec.Span.EventType,
		},
	}
	if config.MaxLen > 0 {
		args.MaxLen = config.MaxLen
		args.Approx = true
	}
	return args
}

// Name returns the sink name
func (r *RedisSink) Name() string {
	return "redis"
}

// Close closes the client
func (r *RedisSink) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.client.Close()
}
