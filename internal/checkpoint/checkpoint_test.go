package checkpoint

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	tmpDir := t.TempDir()
	logRoot := filepath.Join(tmpDir, "logs")
	if err := os.MkdirAll(logRoot, 0755); err != nil {
		t.Fatalf("Failed to create log root: %v", err)
	}

	store, err := NewStore(filepath.Join(tmpDir, "checkpoints"), logRoot)
	if err != nil {
		t.Fatalf("Failed to create checkpoint store: %v", err)
	}

	return store, logRoot
}

func TestStorePathMirrorsRelativePath(t *testing.T) {
	store, logRoot := newTestStore(t)

	path, err := store.PathFor(filepath.Join(logRoot, "a", "b", "trace.log"))
	if err != nil {
		t.Fatalf("PathFor() error = %v", err)
	}

	want := filepath.Join(store.Dir(), "a", "b", "trace.log"+Extension)
	if path != want {
		t.Errorf("PathFor() = %s, want %s", path, want)
	}
}

func TestStorePathOutsideRoot(t *testing.T) {
	store, logRoot := newTestStore(t)

	for _, file := range []string{
		filepath.Join(filepath.Dir(logRoot), "other.log"),
		logRoot,
	} {
		if _, err := store.PathFor(file); !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("PathFor(%s) error = %v, want ErrOutsideRoot", file, err)
		}
	}
}

func TestOpenCreatesEmptyRecord(t *testing.T) {
	store, logRoot := newTestStore(t)

	h, err := store.Open(filepath.Join(logRoot, "nested", "dir", "trace.log"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	stat, err := os.Stat(h.Path())
	if err != nil {
		t.Fatalf("Checkpoint record was not created: %v", err)
	}
	if stat.Size() != 0 {
		t.Errorf("new record size = %d, want 0", stat.Size())
	}

	offset, err := h.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if offset != 0 {
		t.Errorf("Read() = %d, want 0", offset)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	store, logRoot := newTestStore(t)
	file := filepath.Join(logRoot, "trace.log")

	offsets := []uint64{0, 1, 255, 256, 1 << 32, math.MaxUint64}

	for _, want := range offsets {
		h, err := store.Open(file)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}

		if err := h.Write(want); err != nil {
			t.Fatalf("Write(%d) error = %v", want, err)
		}

		got, err := h.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if got != want {
			t.Errorf("Read() = %d, want %d", got, want)
		}

		if err := h.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		// A fresh store simulates a process restart
		restarted, err := NewStore(store.Dir(), logRoot)
		if err != nil {
			t.Fatalf("Failed to recreate store: %v", err)
		}

		h2, err := restarted.Open(file)
		if err != nil {
			t.Fatalf("Open() after restart error = %v", err)
		}

		got, err = h2.Read()
		if err != nil {
			t.Fatalf("Read() after restart error = %v", err)
		}
		if got != want {
			t.Errorf("Read() after restart = %d, want %d", got, want)
		}
		h2.Close()
	}
}

func TestWriteReplacesPreviousValue(t *testing.T) {
	store, logRoot := newTestStore(t)

	h, err := store.Open(filepath.Join(logRoot, "trace.log"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	for _, offset := range []uint64{math.MaxUint64, 42, 7} {
		if err := h.Write(offset); err != nil {
			t.Fatalf("Write(%d) error = %v", offset, err)
		}
	}

	data, err := os.ReadFile(h.Path())
	if err != nil {
		t.Fatalf("Failed to read record: %v", err)
	}
	if len(data) != RecordSize {
		t.Fatalf("record size = %d, want %d", len(data), RecordSize)
	}

	want := []byte{0, 0, 0, 0, 0, 0, 0, 7}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("record bytes = %v, want %v", data, want)
		}
	}
}

func TestReadShortRecordIsCorrupt(t *testing.T) {
	store, logRoot := newTestStore(t)
	file := filepath.Join(logRoot, "trace.log")

	path, err := store.PathFor(file)
	if err != nil {
		t.Fatalf("PathFor() error = %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create record dir: %v", err)
	}
	if err := os.WriteFile(path, []byte{0, 0, 1}, 0644); err != nil {
		t.Fatalf("Failed to write short record: %v", err)
	}

	h, err := store.Open(file)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	_, err = h.Read()
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Read() error = %v, want ErrCorrupt", err)
	}

	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("Read() error = %T, want *StorageError", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store, logRoot := newTestStore(t)

	h, err := store.Open(filepath.Join(logRoot, "trace.log"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if err := h.Write(1); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("Write() after Close error = %v, want ErrHandleClosed", err)
	}
	if _, err := h.Read(); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("Read() after Close error = %v, want ErrHandleClosed", err)
	}
}

func TestConcurrentHandlesNeverTearRecord(t *testing.T) {
	store, logRoot := newTestStore(t)
	file := filepath.Join(logRoot, "trace.log")

	const writers = 4
	const writes = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		h, err := store.Open(file)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer h.Close()

		wg.Add(1)
		go func(h *Handle, base uint64) {
			defer wg.Done()
			for i := uint64(0); i < writes; i++ {
				// Every value written has identical high and low halves
				v := (base+i)<<32 | (base + i)
				if err := h.Write(v); err != nil {
					t.Errorf("Write() error = %v", err)
					return
				}
			}
		}(h, uint64(w*1000))
	}
	wg.Wait()

	h, err := store.Open(file)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	got, err := h.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got>>32 != got&0xffffffff {
		t.Errorf("torn record: %#x", got)
	}
}
