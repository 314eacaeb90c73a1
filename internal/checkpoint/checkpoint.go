package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// RecordSize is the on-disk size of a checkpoint: one big-endian uint64
const RecordSize = 8

// Extension is appended to the mirrored path of every checkpoint record
const Extension = ".offset"

var (
	ErrCorrupt      = errors.New("checkpoint record is corrupt")
	ErrHandleClosed = errors.New("checkpoint handle is closed")
	ErrOutsideRoot  = errors.New("file is outside the log root")
)

// StorageError describes a failed checkpoint operation
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Store maps watched files to checkpoint records under a separate root
type Store struct {
	dir     string
	logRoot string
}

// NewStore creates a store keeping records under dir for files below logRoot
func NewStore(dir, logRoot string) (*Store, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve checkpoint directory: %w", err)
	}
	absRoot, err := filepath.Abs(logRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve log root: %w", err)
	}

	if err := os.MkdirAll(absDir, 0755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: absDir, Err: err}
	}

	return &Store{dir: absDir, logRoot: absRoot}, nil
}

// Dir returns the checkpoint root
func (s *Store) Dir() string {
	return s.dir
}

// PathFor returns the checkpoint record path for a watched file. The
// record mirrors the file's path relative to the log root.
func (s *Store) PathFor(file string) (string, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(s.logRoot, abs)
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}

	return filepath.Join(s.dir, rel+Extension), nil
}

// Open opens (creating if needed) the checkpoint record for file
func (s *Store) Open(file string) (*Handle, error) {
	path, err := s.PathFor(file)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: file, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}

	return &Handle{
		path: path,
		file: f,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Handle is an open checkpoint record. A handle is owned by one worker.
type Handle struct {
	path string
	file *os.File
	lock *flock.Flock

	mu     sync.Mutex
	closed bool
}

// Path returns the record's location on disk
func (h *Handle) Path() string {
	return h.path
}

// Read returns the committed offset, or 0 if nothing was committed yet
func (h *Handle) Read() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, &StorageError{Op: "read", Path: h.path, Err: ErrHandleClosed}
	}

	if err := h.lock.RLock(); err != nil {
		return 0, &StorageError{Op: "lock", Path: h.path, Err: err}
	}
	defer h.lock.Unlock()

	stat, err := h.file.Stat()
	if err != nil {
		return 0, &StorageError{Op: "stat", Path: h.path, Err: err}
	}

	size := stat.Size()
	if size == 0 {
		return 0, nil
	}
	if size < RecordSize {
		return 0, &StorageError{
			Op:   "read",
			Path: h.path,
			Err:  fmt.Errorf("%w: %d of %d bytes", ErrCorrupt, size, RecordSize),
		}
	}

	var buf [RecordSize]byte
	if _, err := h.file.ReadAt(buf[:], 0); err != nil {
		return 0, &StorageError{Op: "read", Path: h.path, Err: err}
	}

	return binary.BigEndian.Uint64(buf[:]), nil
}

// Write durably replaces the committed offset. The record is overwritten
// in place at byte 0 and synced before Write returns.
func (h *Handle) Write(offset uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return &StorageError{Op: "write", Path: h.path, Err: ErrHandleClosed}
	}

	if err := h.lock.Lock(); err != nil {
		return &StorageError{Op: "lock", Path: h.path, Err: err}
	}
	defer h.lock.Unlock()

	var buf [RecordSize]byte
	binary.BigEndian.PutUint64(buf[:], offset)

	if _, err := h.file.WriteAt(buf[:], 0); err != nil {
		return &StorageError{Op: "write", Path: h.path, Err: err}
	}

	if err := h.file.Sync(); err != nil {
		return &StorageError{Op: "sync", Path: h.path, Err: err}
	}

	return nil
}

// Close releases the record; calling it more than once is harmless
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if err := h.lock.Close(); err != nil {
		h.file.Close()
		return &StorageError{Op: "close", Path: h.path, Err: err}
	}

	if err := h.file.Close(); err != nil {
		return &StorageError{Op: "close", Path: h.path, Err: err}
	}

	return nil
}
