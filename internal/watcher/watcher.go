package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/therealutkarshpriyadarshi/spanship/internal/logging"
	"github.com/therealutkarshpriyadarshi/spanship/internal/metrics"
)

var (
	ErrNotDirectory      = errors.New("not a directory")
	ErrAlreadySubscribed = errors.New("watcher already subscribed")
	ErrStreamClosed      = errors.New("notification stream closed")
)

// EventKind distinguishes a newly seen file from one that grew
type EventKind int

const (
	Created EventKind = iota + 1
	Modified
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	default:
		return "unknown"
	}
}

// ChangeEvent reports a qualifying file that appeared or changed
type ChangeEvent struct {
	Path string
	Kind EventKind
}

// Entry is one file or directory found by Walk
type Entry struct {
	Path string
	Info fs.FileInfo
}

// DiscoveryError reports a failure to enumerate or watch part of the tree
type DiscoveryError struct {
	Op   string
	Path string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Filter decides which files are worth tailing
type Filter struct {
	Suffix  string
	MaxSize int64 // files at or above this size are skipped; 0 disables the check
}

// Qualifies reports whether path is a regular file below the size threshold
// whose name ends with the configured suffix
func (f Filter) Qualifies(path string, info fs.FileInfo) bool {
	if info == nil || !info.Mode().IsRegular() {
		return false
	}
	if f.MaxSize > 0 && info.Size() >= f.MaxSize {
		return false
	}
	return strings.HasSuffix(path, f.Suffix)
}

// Walk lists every regular file and directory below root. A failure on root
// itself is returned as a *DiscoveryError; failures on nested entries are
// logged and the entry is skipped.
func Walk(root string, logger *logging.Logger) ([]Entry, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, &DiscoveryError{Op: "walk", Path: root, Err: err}
	}
	if !info.IsDir() {
		return nil, &DiscoveryError{Op: "walk", Path: root, Err: ErrNotDirectory}
	}

	var entries []Entry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return &DiscoveryError{Op: "walk", Path: root, Err: err}
			}
			logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable entry")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Skipping entry that vanished during walk")
			return nil
		}
		entries = append(entries, Entry{Path: path, Info: fi})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Watcher turns filesystem notifications under a root into ChangeEvents.
// Directory registration and event handling both happen on the single
// goroutine started by Subscribe.
type Watcher struct {
	root    string
	filter  Filter
	logger  *logging.Logger
	metrics *metrics.Collector

	mu   sync.Mutex
	fsw  *fsnotify.Watcher
	dirs map[string]struct{}
	err  error
}

// New creates a watcher for root. metrics may be nil.
func New(root string, filter Filter, logger *logging.Logger, collector *metrics.Collector) *Watcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Watcher{
		root:    filepath.Clean(root),
		filter:  filter,
		logger:  logger.WithComponent("watcher"),
		metrics: collector,
		dirs:    make(map[string]struct{}),
	}
}

// Subscribe registers root and every directory below it and starts the
// control goroutine. The returned channel is closed when ctx is done or the
// underlying notifier fails; Err reports which.
func (w *Watcher) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	w.mu.Lock()
	if w.fsw != nil {
		w.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return nil, &DiscoveryError{Op: "subscribe", Path: w.root, Err: err}
	}
	w.fsw = fsw
	w.mu.Unlock()

	if err := w.addTree(w.root, nil); err != nil {
		fsw.Close()
		return nil, err
	}

	w.logger.Info().Str("root", w.root).Int("directories", len(w.Dirs())).Msg("Watching for new log files")

	out := make(chan ChangeEvent, 64)
	go w.loop(ctx, out)

	return out, nil
}

// Dirs returns the currently registered directories, sorted
func (w *Watcher) Dirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	dirs := make([]string, 0, len(w.dirs))
	for dir := range w.dirs {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// Err returns the failure that closed the event stream, if any
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Watcher) loop(ctx context.Context, out chan<- ChangeEvent) {
	defer close(out)
	defer w.fsw.Close()

	emit := func(ev ChangeEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug().Msg("Watcher stopped")
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				w.fail(ErrStreamClosed)
				return
			}
			if !w.handle(event, emit) {
				return
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.fail(ErrStreamClosed)
				return
			}
			if w.metrics != nil {
				w.metrics.WatchErrors.Inc()
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were dropped by the kernel, so rescan for anything missed
				w.logger.Warn().Err(err).Msg("Notification queue overflowed, rescanning")
				if err := w.addTree(w.root, emit); err != nil {
					w.logger.Error().Err(err).Msg("Rescan failed")
				}
				continue
			}
			w.logger.Error().Err(err).Msg("File watcher error")
		}
	}
}

// handle processes one notification. It returns false once the consumer is
// gone.
func (w *Watcher) handle(event fsnotify.Event, emit func(ChangeEvent) bool) bool {
	path := event.Name

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.forget(path)
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return true
	}

	info, err := os.Lstat(path)
	if err != nil {
		w.logger.Debug().Err(err).Str("path", path).Msg("Entry vanished before it could be examined")
		return true
	}

	if info.IsDir() {
		if !event.Has(fsnotify.Create) {
			return true
		}
		if err := w.addTree(path, emit); err != nil {
			w.logger.Error().Err(err).Str("path", path).Msg("Failed to watch new directory")
		}
		return true
	}

	if !w.filter.Qualifies(path, info) {
		return true
	}

	kind := Modified
	if event.Has(fsnotify.Create) {
		kind = Created
	}
	return emit(ChangeEvent{Path: path, Kind: kind})
}

// addTree registers dir and every directory below it. Each directory is
// registered before its entries are listed, so files created concurrently
// are seen either by the listing or by a notification. When emit is set,
// qualifying files already present are reported as Created.
func (w *Watcher) addTree(dir string, emit func(ChangeEvent) bool) error {
	stopped := errors.New("consumer gone")

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return &DiscoveryError{Op: "watch", Path: dir, Err: err}
			}
			w.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable entry")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if err := w.register(path); err != nil {
				if path == dir {
					return err
				}
				w.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
				return filepath.SkipDir
			}
			return nil
		}

		if emit == nil {
			return nil
		}
		info, err := d.Info()
		if err != nil || !w.filter.Qualifies(path, info) {
			return nil
		}
		if !emit(ChangeEvent{Path: path, Kind: Created}) {
			return stopped
		}
		return nil
	})
	if errors.Is(err, stopped) {
		return nil
	}
	return err
}

func (w *Watcher) register(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return &DiscoveryError{Op: "watch", Path: dir, Err: err}
	}
	w.dirs[dir] = struct{}{}
	w.logger.Debug().Str("path", dir).Msg("Watching directory")
	if w.metrics != nil {
		w.metrics.WatchedDirectories.Set(float64(len(w.dirs)))
	}
	return nil
}

// forget drops path and everything registered below it
func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prefix := path + string(filepath.Separator)
	removed := 0
	for dir := range w.dirs {
		if dir == path || strings.HasPrefix(dir, prefix) {
			// The kernel drops watches on deleted directories; renamed ones
			// must be removed explicitly.
			_ = w.fsw.Remove(dir)
			delete(w.dirs, dir)
			removed++
		}
	}
	if removed == 0 {
		return
	}

	w.logger.Debug().Str("path", path).Int("directories", removed).Msg("Stopped watching directory")
	if w.metrics != nil {
		w.metrics.WatchedDirectories.Set(float64(len(w.dirs)))
	}
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.logger.Error().Err(err).Msg("Watcher failed, new files will not be discovered")
}
