package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"

	"github.com/therealutkarshpriyadarshi/spanship/internal/logging"
	"github.com/therealutkarshpriyadarshi/spanship/internal/metrics"
	"github.com/therealutkarshpriyadarshi/spanship/internal/watcher"
)

var ErrAlreadyStarted = errors.New("dispatcher already started")

// Runner tails a single file until its context ends or it fails
type Runner interface {
	Run(ctx context.Context) error
	Notify()
}

// Factory builds the runner for a newly discovered file
type Factory func(path string) Runner

// Config holds dispatcher configuration
type Config struct {
	Root   string
	Filter watcher.Filter

	// MaxFiles caps concurrently tailed files; 0 means unbounded
	MaxFiles int
}

// Dispatcher owns the registry of tailed files: at most one runner per
// path, started on discovery and removed when it exits
type Dispatcher struct {
	config  Config
	watcher *watcher.Watcher
	factory Factory
	logger  *logging.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	active  map[string]Runner
	started bool
	skipped map[string]struct{}

	loopDone chan struct{}
	workers  sync.WaitGroup
}

// New creates a dispatcher. w is subscribed by Start.
func New(config Config, w *watcher.Watcher, factory Factory, logger *logging.Logger, collector *metrics.Collector) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	config.Root = filepath.Clean(config.Root)

	return &Dispatcher{
		config:   config,
		watcher:  w,
		factory:  factory,
		logger:   logger.WithComponent("dispatcher"),
		metrics:  collector,
		active:   make(map[string]Runner),
		skipped:  make(map[string]struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start dispatches a runner for every qualifying file already under the
// root, then follows the watcher for new ones. Walk and subscribe failures
// are returned; runners already started keep running until ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.mu.Unlock()

	// Subscribe before walking so files created in between are not missed;
	// the registry absorbs the overlap.
	events, err := d.watcher.Subscribe(ctx)
	if err != nil {
		close(d.loopDone)
		return err
	}

	entries, err := watcher.Walk(d.config.Root, d.logger)
	if err != nil {
		go func() {
			defer close(d.loopDone)
			for range events {
			}
		}()
		return err
	}

	found := 0
	for _, e := range entries {
		if !d.config.Filter.Qualifies(e.Path, e.Info) {
			continue
		}
		found++
		d.metrics.FilesDiscovered.WithLabelValues("walk").Inc()
		d.dispatch(ctx, e.Path)
	}
	d.logger.Info().Str("root", d.config.Root).Int("files", found).Msg("Initial scan complete")

	go d.loop(ctx, events)
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, events <-chan watcher.ChangeEvent) {
	defer close(d.loopDone)

	for ev := range events {
		if ev.Kind == watcher.Created {
			d.metrics.FilesDiscovered.WithLabelValues("watch").Inc()
		}
		d.dispatch(ctx, ev.Path)
	}

	if ctx.Err() == nil {
		d.logger.Warn().Msg("Discovery stopped, existing files are still tailed")
	}
}

// dispatch starts a runner for path unless one is already active, in which
// case the existing runner is woken
func (d *Dispatcher) dispatch(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}

	d.mu.Lock()
	if r, ok := d.active[path]; ok {
		d.mu.Unlock()
		r.Notify()
		return
	}

	if d.config.MaxFiles > 0 && len(d.active) >= d.config.MaxFiles {
		_, seen := d.skipped[path]
		d.skipped[path] = struct{}{}
		d.mu.Unlock()
		if !seen {
			d.logger.Warn().
				Str("path", path).
				Int("max_files", d.config.MaxFiles).
				Msg("File limit reached, not tailing")
		}
		return
	}

	delete(d.skipped, path)
	runner := d.factory(path)
	d.active[path] = runner
	d.workers.Add(1)
	d.metrics.WorkersActive.Set(float64(len(d.active)))
	d.mu.Unlock()

	d.logger.Info().Str("path", path).Msg("Tailing file")

	go func() {
		defer d.workers.Done()

		err := runner.Run(ctx)

		d.mu.Lock()
		if d.active[path] == runner {
			delete(d.active, path)
		}
		d.metrics.WorkersActive.Set(float64(len(d.active)))
		d.mu.Unlock()

		if err != nil {
			d.logger.Error().Err(err).Str("path", path).Msg("Stopped tailing file")
		}
	}()
}

// Wait blocks until the event loop and every runner have exited
func (d *Dispatcher) Wait() {
	<-d.loopDone
	d.workers.Wait()
}

// Active returns the paths currently being tailed, sorted
func (d *Dispatcher) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	paths := make([]string, 0, len(d.active))
	for p := range d.active {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Skipped returns files not tailed because of the file limit, sorted
func (d *Dispatcher) Skipped() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	paths := make([]string, 0, len(d.skipped))
	for p := range d.skipped {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// WatchErr reports why discovery stopped, if it did
func (d *Dispatcher) WatchErr() error {
	return d.watcher.Err()
}
