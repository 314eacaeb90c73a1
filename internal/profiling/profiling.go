// Package profiling serves pprof and runtime statistics for a running
// daemon and warns when the goroutine count grows past a threshold.
package profiling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/therealutkarshpriyadarshi/spanship/internal/logging"
)

// Config holds profiling configuration
type Config struct {
	Enabled      bool   `yaml:"enabled"`
	Address      string `yaml:"address"`
	BlockProfile bool   `yaml:"block_profile"`
	MutexProfile bool   `yaml:"mutex_profile"`

	// GoroutineThreshold is the goroutine count above which a warning is
	// logged. Every tailed file holds one goroutine.
	GoroutineThreshold int           `yaml:"goroutine_threshold"`
	CheckInterval      time.Duration `yaml:"check_interval"`
}

// DefaultConfig returns profiling disabled on localhost:6060
func DefaultConfig() Config {
	return Config{
		Address:            "localhost:6060",
		GoroutineThreshold: 10000,
		CheckInterval:      30 * time.Second,
	}
}

// Profiler manages the debug server and goroutine monitor
type Profiler struct {
	config Config
	logger *logging.Logger
	files  func() int

	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a profiler. files reports how many files are being tailed
// and may be nil.
func New(config Config, logger *logging.Logger, files func() int) *Profiler {
	if logger == nil {
		logger = logging.Nop()
	}
	defaults := DefaultConfig()
	if config.Address == "" {
		config.Address = defaults.Address
	}
	if config.GoroutineThreshold == 0 {
		config.GoroutineThreshold = defaults.GoroutineThreshold
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if files == nil {
		files = func() int { return 0 }
	}

	return &Profiler{
		config: config,
		logger: logger.WithComponent("profiling"),
		files:  files,
	}
}

// Start binds the debug server and starts the goroutine monitor. A bind
// failure is returned. It does nothing when profiling is disabled.
func (p *Profiler) Start() error {
	if !p.config.Enabled {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	ln, err := net.Listen("tcp", p.config.Address)
	if err != nil {
		return fmt.Errorf("profiling server: %w", err)
	}
	p.listener = ln

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(1)
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/stats", p.statsHandler)

	p.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("Profiling server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.monitorGoroutines(ctx)

	p.started = true
	p.logger.Info().
		Str("address", ln.Addr().String()).
		Bool("block_profile", p.config.BlockProfile).
		Bool("mutex_profile", p.config.MutexProfile).
		Msg("Profiling server started")
	return nil
}

// Addr returns the bound address, or "" before Start
func (p *Profiler) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Stop shuts the debug server down and resets the runtime profile rates
func (p *Profiler) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.started = false

	p.cancel()
	<-p.done

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(0)
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(0)
	}

	return p.server.Shutdown(ctx)
}

func (p *Profiler) monitorGoroutines(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := runtime.NumGoroutine()
			if count > p.config.GoroutineThreshold {
				p.logger.Warn().
					Int("goroutines", count).
					Int("threshold", p.config.GoroutineThreshold).
					Int("files", p.files()).
					Msg("High goroutine count detected")
			} else {
				p.logger.Debug().Int("goroutines", count).Msg("Goroutine count")
			}
		}
	}
}

func (p *Profiler) statsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Tailed files: %d\n", p.files())
	fmt.Fprintf(w, "Goroutines:   %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "GOMAXPROCS:   %d\n\n", runtime.GOMAXPROCS(0))

	fmt.Fprintf(w, "Heap in use:  %s\n", humanize.IBytes(m.HeapInuse))
	fmt.Fprintf(w, "Heap objects: %s\n", humanize.Comma(int64(m.HeapObjects)))
	fmt.Fprintf(w, "Total alloc:  %s\n", humanize.IBytes(m.TotalAlloc))
	fmt.Fprintf(w, "Sys:          %s\n\n", humanize.IBytes(m.Sys))

	fmt.Fprintf(w, "GC cycles:    %d\n", m.NumGC)
	if m.NumGC > 0 {
		fmt.Fprintf(w, "Last GC:      %s\n", humanize.Time(time.Unix(0, int64(m.LastGC))))
		fmt.Fprintf(w, "Last pause:   %s\n", time.Duration(m.PauseNs[(m.NumGC+255)%256]))
	}
}
