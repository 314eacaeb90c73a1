package sink

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/spanship/internal/metrics"
	"github.com/therealutkarshpriyadarshi/spanship/internal/reliability"
	"github.com/therealutkarshpriyadarshi/spanship/pkg/types"
	"golang.org/x/time/rate"
)

// RateLimited throttles deliveries to the wrapped sink
type RateLimited struct {
	Sink
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond deliveries with the given burst
func NewRateLimited(s Sink, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		Sink:    s,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Deliver waits for a token, then delivers
func (r *RateLimited) Deliver(ctx context.Context, rec *types.SpanRecord) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.Sink.Deliver(ctx, rec)
}

// BreakerConfig configures the circuit breaker in front of the sink
type BreakerConfig struct {
	// Failures is the number of consecutive failed deliveries that opens
	// the circuit; 0 disables the breaker
	Failures int           `yaml:"failures,omitempty"`
	Cooldown time.Duration `yaml:"cooldown,omitempty"`
}

// Breaker holds deliveries back while the destination keeps failing.
// Callers wait for the circuit to allow a probe instead of failing, so an
// outage pauses tailing rather than exhausting every line's retries.
type Breaker struct {
	Sink
	cb *reliability.CircuitBreaker
}

// NewBreaker wraps s with a circuit breaker. collector may be nil.
func NewBreaker(s Sink, cfg BreakerConfig, collector *metrics.Collector) *Breaker {
	name := s.Name()
	if collector != nil {
		collector.CircuitState.WithLabelValues(name).Set(float64(reliability.StateClosed))
	}

	return &Breaker{
		Sink: s,
		cb: reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
			Failures: uint32(cfg.Failures),
			Cooldown: cfg.Cooldown,
			OnStateChange: func(from, to reliability.State) {
				if collector != nil {
					collector.CircuitState.WithLabelValues(name).Set(float64(to))
				}
			},
		}),
	}
}

// Deliver waits until the circuit admits the call, then delivers
func (b *Breaker) Deliver(ctx context.Context, rec *types.SpanRecord) error {
	for {
		err := b.cb.Execute(func() error {
			return b.Sink.Deliver(ctx, rec)
		})
		if !errors.Is(err, reliability.ErrCircuitOpen) {
			return err
		}

		timer := time.NewTimer(b.cb.RetryAfter())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// State returns the circuit state
func (b *Breaker) State() reliability.State {
	return b.cb.State()
}

// Instrumented records delivery counts and latency for the wrapped sink
type Instrumented struct {
	Sink
	metrics *metrics.Collector

	// failing counts deliveries that failed since the last success
	failing atomic.Int64
}

// NewInstrumented wraps s with metrics
func NewInstrumented(s Sink, collector *metrics.Collector) *Instrumented {
	return &Instrumented{
		Sink:    s,
		metrics: collector,
	}
}

// Deliver delivers and records the outcome
func (i *Instrumented) Deliver(ctx context.Context, rec *types.SpanRecord) error {
	name := i.Sink.Name()

	start := time.Now()
	err := i.Sink.Deliver(ctx, rec)
	i.metrics.DeliverDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		i.metrics.DeliverFailures.WithLabelValues(name).Inc()
		i.failing.Add(1)
		return err
	}

	i.metrics.SpansDelivered.WithLabelValues(name).Inc()
	i.failing.Store(0)
	return nil
}

// ConsecutiveFailures returns how many deliveries failed since the last
// successful one
func (i *Instrumented) ConsecutiveFailures() int64 {
	return i.failing.Load()
}
