package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/therealutkarshpriyadarshi/spanship/pkg/types"
)

// StdoutSink writes each span record as a JSON line
type StdoutSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdoutSink creates a sink writing to w, or to os.Stdout when w is nil
func NewStdoutSink(w io.Writer) *StdoutSink {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutSink{enc: json.NewEncoder(w)}
}

// Deliver writes one record
func (s *StdoutSink) Deliver(ctx context.Context, rec *types.SpanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to write span: %w", err)
	}
	return nil
}

// Name returns the sink name
func (s *StdoutSink) Name() string {
	return "stdout"
}

// Close is a no-op
func (s *StdoutSink) Close() error {
	return nil
}
