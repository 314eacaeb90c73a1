package tailer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/spanship/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/spanship/internal/logging"
	"github.com/therealutkarshpriyadarshi/spanship/internal/metrics"
	"github.com/therealutkarshpriyadarshi/spanship/internal/parser"
	"github.com/therealutkarshpriyadarshi/spanship/internal/reliability"
	"github.com/therealutkarshpriyadarshi/spanship/internal/sink"
	"github.com/therealutkarshpriyadarshi/spanship/internal/tracing"
	"github.com/therealutkarshpriyadarshi/spanship/pkg/types"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// deliveryNamespace scopes the name-based delivery IDs
var deliveryNamespace = uuid.MustParse("6f1c2a8e-4b7d-5e0a-9c3f-2d8b1e7a4c60")

var errStopped = errors.New("worker stopped")

// State is the lifecycle phase of a worker
type State int32

const (
	StateInit State = iota
	StateReading
	StateWaiting
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReading:
		return "reading"
	case StateWaiting:
		return "waiting"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TailIOError reports a failure opening, reading or seeking a watched file
type TailIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *TailIOError) Error() string {
	return fmt.Sprintf("tail %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TailIOError) Unwrap() error {
	return e.Err
}

// Journal records lines that were skipped after delivery gave up
type Journal interface {
	Enqueue(rec *types.SpanRecord, sinkName string, cause error, attempts int) error
}

// Options tune a worker
type Options struct {
	// PollInterval is the first wait after reaching the end of the file
	PollInterval time.Duration

	// MaxPollInterval caps the idle backoff
	MaxPollInterval time.Duration

	// Retry governs redelivery of a failed line
	Retry reliability.RetryConfig

	// DropUnparseable skips lines that match no span schema instead of
	// forwarding the empty span
	DropUnparseable bool
}

// DefaultOptions returns the default worker options
func DefaultOptions() Options {
	return Options{
		PollInterval:    100 * time.Millisecond,
		MaxPollInterval: 2 * time.Second,
		Retry:           reliability.DefaultRetryConfig(),
	}
}

// Deps are the collaborators shared by every worker
type Deps struct {
	Store   *checkpoint.Store
	Parser  parser.Parser
	Sink    sink.Sink
	Journal Journal // optional
	Logger  *logging.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer // optional
}

// Worker tails one file, delivering each complete line and committing its
// end offset before reading the next
type Worker struct {
	path    string
	deps    Deps
	opts    Options
	logger  *logging.Logger
	tracer  trace.Tracer
	metrics *metrics.Collector

	state     atomic.Int32
	committed atomic.Uint64
	wake      chan struct{}
}

// NewWorker creates a worker for path
func NewWorker(path string, deps Deps, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = opts.PollInterval
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NewCollector()
	}

	return &Worker{
		path:    path,
		deps:    deps,
		opts:    opts,
		logger:  logger.WithComponent("tailer").WithPath(path),
		tracer:  tracer,
		metrics: collector,
		wake:    make(chan struct{}, 1),
	}
}

// DeliveryID returns the stable ID of the line starting at offset in path
func DeliveryID(path string, offset uint64) string {
	return uuid.NewSHA1(deliveryNamespace, []byte(path+":"+strconv.FormatUint(offset, 10))).String()
}

// Path returns the tailed file
func (w *Worker) Path() string {
	return w.path
}

// State returns the current lifecycle phase
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Offset returns the last committed offset
func (w *Worker) Offset() uint64 {
	return w.committed.Load()
}

// Notify wakes a waiting worker and resets its idle backoff
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run tails the file until ctx is done or an unrecoverable error occurs.
// It returns nil on cancellation and a *TailIOError or
// *checkpoint.StorageError on failure.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateInit)

	handle, err := w.deps.Store.Open(w.path)
	if err != nil {
		return w.fail(err)
	}
	defer handle.Close()

	offset, err := handle.Read()
	if err != nil {
		w.metrics.CheckpointErrors.Inc()
		return w.fail(err)
	}
	w.committed.Store(offset)

	file, err := os.Open(w.path)
	if err != nil {
		return w.fail(&TailIOError{Op: "open", Path: w.path, Err: err})
	}
	defer file.Close()

	if _, err := file.Seek(int64(offset), io.SeekStart); err != nil {
		return w.fail(&TailIOError{Op: "seek", Path: w.path, Err: err})
	}

	if offset > 0 {
		w.logger.Info().Uint64("offset", offset).Msg("Resuming from checkpoint")
	} else {
		w.logger.Info().Msg("Tailing from start of file")
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	idle := w.opts.PollInterval
	shrunk := false

	for {
		if ctx.Err() != nil {
			return w.stop()
		}

		w.setState(StateReading)
		line, err := reader.ReadBytes('\n')
		if err == nil {
			next := offset + uint64(len(line))
			if err := w.process(ctx, handle, string(line), offset, next); err != nil {
				if errors.Is(err, errStopped) {
					return w.stop()
				}
				return w.fail(err)
			}
			offset = next
			idle = w.opts.PollInterval
			continue
		}
		if err != io.EOF {
			return w.fail(&TailIOError{Op: "read", Path: w.path, Err: err})
		}

		// No complete line. Any partial tail stays in the file and is read
		// again from the committed offset next time.
		w.setState(StateWaiting)

		info, err := file.Stat()
		if err != nil {
			return w.fail(&TailIOError{Op: "stat", Path: w.path, Err: err})
		}
		if uint64(info.Size()) < offset {
			if !shrunk {
				w.logger.Warn().
					Uint64("offset", offset).
					Int64("size", info.Size()).
					Msg("File is shorter than its checkpoint, waiting for it to grow")
				shrunk = true
			}
		} else {
			shrunk = false
		}

		timer := time.NewTimer(idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return w.stop()
		case <-w.wake:
			timer.Stop()
			idle = w.opts.PollInterval
		case <-timer.C:
			idle *= 2
			if idle > w.opts.MaxPollInterval {
				idle = w.opts.MaxPollInterval
			}
		}

		if _, err := file.Seek(int64(offset), io.SeekStart); err != nil {
			return w.fail(&TailIOError{Op: "seek", Path: w.path, Err: err})
		}
		reader.Reset(file)
	}
}

// process handles one complete line: parse, deliver, commit
func (w *Worker) process(ctx context.Context, handle *checkpoint.Handle, line string, offset, next uint64) error {
	w.metrics.LinesRead.Inc()
	w.metrics.BytesRead.Add(float64(len(line)))

	span, ok := w.deps.Parser.Parse(line)
	rec := &types.SpanRecord{
		ID:     DeliveryID(w.path, offset),
		Source: w.path,
		Offset: offset,
		Line:   line,
		Span:   span,
	}

	if !ok {
		w.metrics.LinesUnparseable.Inc()
		if w.opts.DropUnparseable {
			w.metrics.LinesDropped.Inc()
			w.logger.Debug().Uint64("offset", offset).Msg("Dropping unparseable line")
			return w.commit(ctx, handle, next)
		}
		w.logger.Debug().Uint64("offset", offset).Msg("Forwarding unparseable line as empty span")
	}

	if err := w.deliver(ctx, rec); err != nil {
		return err
	}

	return w.commit(ctx, handle, next)
}

// deliver hands rec to the sink, retrying failures. A line that still fails
// is journaled and skipped. It returns errStopped if ctx ends first.
func (w *Worker) deliver(ctx context.Context, rec *types.SpanRecord) error {
	sinkName := w.deps.Sink.Name()

	ctx, span := tracing.TraceDelivery(ctx, w.tracer, sinkName, rec.Source, rec.Offset, rec.Span.TraceID)
	defer span.End()

	attempts := 0
	cfg := w.opts.Retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		w.logger.Warn().
			Err(err).
			Uint64("offset", rec.Offset).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Str("sink", sinkName).
			Msg("Delivery failed, retrying")
	}

	// Sinks let a request already sent finish after ctx ends, so the line
	// it carries can still be committed; Retry stops before the next one.
	err := reliability.Retry(ctx, cfg, func(ctx context.Context) error {
		attempts++
		return w.deps.Sink.Deliver(ctx, rec)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errStopped
	}

	tracing.RecordError(ctx, err)
	w.metrics.LinesSkipped.Inc()
	w.logger.Error().
		Err(err).
		Uint64("offset", rec.Offset).
		Int("attempts", attempts).
		Str("sink", sinkName).
		Msg("Giving up on line, skipping")

	if w.deps.Journal != nil {
		if jerr := w.deps.Journal.Enqueue(rec, sinkName, err, attempts); jerr != nil {
			w.logger.Error().
				Err(jerr).
				Uint64("offset", rec.Offset).
				Str("line", rec.Line).
				Msg("Failed to journal skipped line")
		}
	}

	return nil
}

func (w *Worker) commit(ctx context.Context, handle *checkpoint.Handle, next uint64) error {
	_, span := tracing.TraceCheckpoint(ctx, w.tracer, w.path, next)
	defer span.End()

	if err := handle.Write(next); err != nil {
		w.metrics.CheckpointErrors.Inc()
		return err
	}

	w.metrics.CheckpointCommits.Inc()
	w.committed.Store(next)
	return nil
}

func (w *Worker) stop() error {
	w.setState(StateStopped)
	w.logger.Info().Uint64("offset", w.committed.Load()).Msg("Worker stopped")
	return nil
}

func (w *Worker) fail(err error) error {
	w.setState(StateFailed)

	reason := "io"
	var se *checkpoint.StorageError
	if errors.As(err, &se) {
		reason = "storage"
	}
	w.metrics.WorkersFailed.WithLabelValues(reason).Inc()

	w.logger.Error().Err(err).Str("reason", reason).Msg("Worker failed")
	return err
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}
