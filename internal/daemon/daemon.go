// Package daemon wires discovery, tailing, delivery and the operational
// endpoints into one process guarded by a lock on the checkpoint root.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/therealutkarshpriyadarshi/spanship/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/spanship/internal/config"
	"github.com/therealutkarshpriyadarshi/spanship/internal/dispatcher"
	"github.com/therealutkarshpriyadarshi/spanship/internal/dlq"
	"github.com/therealutkarshpriyadarshi/spanship/internal/health"
	"github.com/therealutkarshpriyadarshi/spanship/internal/logging"
	"github.com/therealutkarshpriyadarshi/spanship/internal/metrics"
	"github.com/therealutkarshpriyadarshi/spanship/internal/parser"
	"github.com/therealutkarshpriyadarshi/spanship/internal/profiling"
	"github.com/therealutkarshpriyadarshi/spanship/internal/server"
	"github.com/therealutkarshpriyadarshi/spanship/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/spanship/internal/sink"
	"github.com/therealutkarshpriyadarshi/spanship/internal/tailer"
	"github.com/therealutkarshpriyadarshi/spanship/internal/tracing"
	"github.com/therealutkarshpriyadarshi/spanship/internal/watcher"
)

// LockFile is created in the checkpoint root while a daemon owns it
const LockFile = "spanship.lock"

var (
	ErrAlreadyRunning = errors.New("another spanship daemon owns this checkpoint directory")
	ErrStarted        = errors.New("daemon already started")
)

// Daemon owns every long-lived component of a running shipper
type Daemon struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Collector

	lock     *flock.Flock
	lockPath string

	store      *checkpoint.Store
	sink       sink.Sink
	journal    *dlq.DeadLetterQueue
	tracing    *tracing.Provider
	watcher    *watcher.Watcher
	dispatcher *dispatcher.Dispatcher
	checker    *health.Checker
	server     *server.Server
	profiler   *profiling.Profiler
	shutdown   *shutdown.Manager

	started atomic.Bool
}

// New acquires the checkpoint lock and builds all components. Nothing runs
// until Run is called; Close releases what New acquired if Run never is.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a configuration")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	root, err := filepath.Abs(cfg.Watch.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}

	d := &Daemon{
		cfg:     cfg,
		logger:  logger.WithComponent("daemon"),
		metrics: metrics.NewCollector(),
	}

	d.store, err = checkpoint.NewStore(cfg.Checkpoint.Dir, root)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	d.lockPath = filepath.Join(d.store.Dir(), LockFile)
	d.lock = flock.New(d.lockPath)
	locked, err := d.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, d.lockPath)
	}

	if err := d.build(ctx, root, logger); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build(ctx context.Context, root string, logger *logging.Logger) error {
	cfg := d.cfg

	p, err := parser.New(cfg.Parser.Format)
	if err != nil {
		return err
	}

	d.tracing, err = tracing.NewProvider(ctx, tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("start tracing: %w", err)
	}

	d.sink, err = sink.New(ctx, cfg.Sink, d.metrics)
	if err != nil {
		return fmt.Errorf("create %s sink: %w", cfg.Sink.Type, err)
	}

	// A nil *DeadLetterQueue must not reach the Journal interface
	var journal tailer.Journal
	if cfg.DeadLetter.Enabled {
		dir := cfg.DeadLetter.Dir
		if dir == "" {
			dir = filepath.Join(d.store.Dir(), "dead-letter")
		}
		d.journal, err = dlq.NewDeadLetterQueue(dlq.DLQConfig{
			Dir:     dir,
			MaxSize: cfg.DeadLetter.MaxEntries,
		})
		if err != nil {
			return fmt.Errorf("open skipped-line journal: %w", err)
		}
		journal = d.journal
	}

	deps := tailer.Deps{
		Store:   d.store,
		Parser:  p,
		Sink:    d.sink,
		Journal: journal,
		Logger:  logger,
		Metrics: d.metrics,
		Tracer:  d.tracing.Tracer(),
	}
	opts := tailer.Options{
		PollInterval:    cfg.Tail.PollInterval,
		MaxPollInterval: cfg.Tail.MaxPollInterval,
		Retry:           cfg.Retry.Reliability(),
		DropUnparseable: cfg.Parser.Unparseable == "drop",
	}

	filter := watcher.Filter{
		Suffix:  cfg.Watch.Suffix,
		MaxSize: int64(cfg.Watch.MaxFileSize),
	}
	d.watcher = watcher.New(root, filter, logger, d.metrics)
	d.dispatcher = dispatcher.New(
		dispatcher.Config{Root: root, Filter: filter, MaxFiles: cfg.Dispatcher.MaxFiles},
		d.watcher,
		func(path string) dispatcher.Runner { return tailer.NewWorker(path, deps, opts) },
		logger,
		d.metrics,
	)

	d.checker = health.NewChecker(cfg.Health.Timeout)
	d.checker.Register("watcher", health.WatcherCheck(d.watcher.Err, func() int { return len(d.watcher.Dirs()) }))
	d.checker.Register("dispatcher", health.DispatcherCheck(d.dispatcher.Active, d.dispatcher.Skipped))
	if inst, ok := d.sink.(*sink.Instrumented); ok {
		d.checker.Register("sink", health.SinkCheck(d.sink.Name(), inst.ConsecutiveFailures, cfg.Health.SinkFailureThreshold))
	}

	srvCfg := server.Config{Logger: logger}
	if cfg.Metrics.Enabled {
		srvCfg.MetricsAddress = cfg.Metrics.Address
		srvCfg.MetricsPath = cfg.Metrics.Path
		srvCfg.MetricsRegistry = d.metrics.Registry()
	}
	if cfg.Health.Enabled {
		srvCfg.HealthAddress = cfg.Health.Address
		srvCfg.HealthChecker = d.checker
	}
	d.server = server.New(srvCfg)
	d.profiler = profiling.New(cfg.Profiling, logger, func() int { return len(d.dispatcher.Active()) })

	d.shutdown = shutdown.New(shutdown.Config{Timeout: cfg.ShutdownTimeout, Logger: logger})
	return nil
}

// Run starts discovery and tailing and blocks until ctx ends or a shutdown
// signal arrives, then stops everything in dependency order. A discovery
// failure at startup is returned after cleanup.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrStarted
	}

	// Registered first, run last
	d.shutdown.RegisterFunc("lock", func(context.Context) error { return d.lock.Unlock() })
	d.shutdown.RegisterFunc("tracing", d.tracing.Shutdown)
	d.shutdown.RegisterFunc("sink", func(context.Context) error { return d.sink.Close() })
	if d.journal != nil {
		d.shutdown.RegisterFunc("journal", func(context.Context) error { return d.journal.Close() })
	}
	d.shutdown.RegisterFunc("server", d.server.Stop)
	d.shutdown.RegisterFunc("profiling", d.profiler.Stop)

	if err := d.server.Start(); err != nil {
		return errors.Join(err, d.shutdown.Shutdown())
	}
	if err := d.profiler.Start(); err != nil {
		return errors.Join(err, d.shutdown.Shutdown())
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.shutdown.RegisterFunc("dispatcher", func(ctx context.Context) error {
		cancel()
		done := make(chan struct{})
		go func() {
			d.dispatcher.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("workers still running: %w", ctx.Err())
		}
	})

	if err := d.dispatcher.Start(runCtx); err != nil {
		return errors.Join(fmt.Errorf("start discovery: %w", err), d.shutdown.Shutdown())
	}

	d.logger.Info().
		Str("root", d.cfg.Watch.Root).
		Str("checkpoints", d.store.Dir()).
		Str("sink", d.sink.Name()).
		Int("files", len(d.dispatcher.Active())).
		Msg("spanship started")

	return d.shutdown.WaitForSignal(ctx)
}

// Close releases resources acquired by New when Run was never called
func (d *Daemon) Close() error {
	if d.started.Load() {
		return nil
	}

	var errs []error
	if d.journal != nil {
		errs = append(errs, d.journal.Close())
	}
	if d.sink != nil {
		errs = append(errs, d.sink.Close())
	}
	if d.tracing != nil {
		errs = append(errs, d.tracing.Shutdown(context.Background()))
	}
	errs = append(errs, d.lock.Unlock())
	return errors.Join(errs...)
}

// Metrics returns the daemon's collector
func (d *Daemon) Metrics() *metrics.Collector {
	return d.metrics
}

// Health returns the daemon's health checker
func (d *Daemon) Health() *health.Checker {
	return d.checker
}

// Active lists files currently being tailed
func (d *Daemon) Active() []string {
	return d.dispatcher.Active()
}

// JournalPath returns the skipped-line journal, or "" when it is disabled
func (d *Daemon) JournalPath() string {
	if d.journal == nil {
		return ""
	}
	return d.journal.Path()
}

// LockPath returns the instance lock file
func (d *Daemon) LockPath() string {
	return d.lockPath
}
