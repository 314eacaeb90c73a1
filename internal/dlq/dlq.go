package dlq

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/spanship/pkg/types"
)

var (
	ErrDLQClosed = errors.New("DLQ is closed")
	ErrDLQFull   = errors.New("DLQ is full")
)

// FileName is the journal file inside the DLQ directory
const FileName = "skipped.jsonl"

// DLQConfig holds configuration for the Dead Letter Queue
type DLQConfig struct {
	Dir     string
	MaxSize int64 // Maximum number of entries; 0 means unlimited
}

// DeadLetterQueue is an append-only journal of lines the daemon gave up
// delivering. Every entry is fsynced before Enqueue returns, because the
// caller advances its checkpoint past the line right after.
type DeadLetterQueue struct {
	config DLQConfig
	path   string

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool

	enqueued uint64
	dropped  uint64
}

// DLQEntry represents one skipped line
type DLQEntry struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"`
	Offset    uint64     `json:"offset"`
	Line      string     `json:"line"`
	Span      types.Span `json:"span"`
	Sink      string     `json:"sink"`
	Error     string     `json:"error"`
	Attempts  int        `json:"attempts"`
	Timestamp time.Time  `json:"timestamp"`
}

// DLQMetrics contains journal counters
type DLQMetrics struct {
	Size     int64
	MaxSize  int64
	Enqueued uint64
	Dropped  uint64
}

// NewDeadLetterQueue opens or creates the journal in config.Dir
func NewDeadLetterQueue(config DLQConfig) (*DeadLetterQueue, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("DLQ directory is required")
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}

	path := filepath.Join(config.Dir, FileName)
	size, err := countEntries(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load DLQ: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open DLQ file: %w", err)
	}

	// Terminate a torn final line so the next entry starts on its own line
	torn, err := endsTorn(path)
	if err == nil && torn {
		_, err = file.Write([]byte{'\n'})
	}
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to repair DLQ file: %w", err)
	}

	return &DeadLetterQueue{
		config: config,
		path:   path,
		file:   file,
		size:   size,
	}, nil
}

// Enqueue durably records a line that could not be delivered
func (dlq *DeadLetterQueue) Enqueue(rec *types.SpanRecord, sinkName string, cause error, attempts int) error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	if dlq.config.MaxSize > 0 && dlq.size >= dlq.config.MaxSize {
		atomic.AddUint64(&dlq.dropped, 1)
		return ErrDLQFull
	}

	entry := DLQEntry{
		ID:        rec.ID,
		Source:    rec.Source,
		Offset:    rec.Offset,
		Line:      rec.Line,
		Span:      rec.Span,
		Sink:      sinkName,
		Attempts:  attempts,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := dlq.file.Write(data); err != nil {
		return fmt.Errorf("failed to write DLQ entry: %w", err)
	}
	if err := dlq.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync DLQ file: %w", err)
	}

	dlq.size++
	atomic.AddUint64(&dlq.enqueued, 1)
	return nil
}

// GetAll returns every journaled entry, oldest first
func (dlq *DeadLetterQueue) GetAll() ([]*DLQEntry, error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	return ReadFile(dlq.path)
}

// Size returns the number of journaled entries
func (dlq *DeadLetterQueue) Size() int64 {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	return dlq.size
}

// Path returns the journal file path
func (dlq *DeadLetterQueue) Path() string {
	return dlq.path
}

// Metrics returns current journal counters
func (dlq *DeadLetterQueue) Metrics() DLQMetrics {
	dlq.mu.Lock()
	size := dlq.size
	dlq.mu.Unlock()

	return DLQMetrics{
		Size:     size,
		MaxSize:  dlq.config.MaxSize,
		Enqueued: atomic.LoadUint64(&dlq.enqueued),
		Dropped:  atomic.LoadUint64(&dlq.dropped),
	}
}

// Close closes the journal
func (dlq *DeadLetterQueue) Close() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return nil
	}
	dlq.closed = true
	return dlq.file.Close()
}

// ReadFile decodes a journal without opening it for writing. A missing file
// has no entries. A torn final line, left by a crash mid-append, is ignored.
func ReadFile(path string) ([]*DLQEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open DLQ file: %w", err)
	}
	defer file.Close()

	var entries []*DLQEntry
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read DLQ file: %w", err)
		}
		// Lines that do not decode, a torn tail included, are skipped
		if len(bytes.TrimSpace(line)) > 0 {
			var entry DLQEntry
			if jsonErr := json.Unmarshal(line, &entry); jsonErr == nil {
				entries = append(entries, &entry)
			}
		}
		if err != nil {
			break
		}
	}

	return entries, nil
}

func countEntries(path string) (int64, error) {
	entries, err := ReadFile(path)
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}

func endsTorn(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}
