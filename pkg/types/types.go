package types

import (
	"strconv"
	"time"
)

// Span is the structured form of one trace log line
type Span struct {
	TraceID    string `json:"traceId"`
	NodeID     string `json:"nodeId"`
	PeerNodeID string `json:"peerNodeId"`
	ThreadID   string `json:"threadId"`
	Timestamp  string `json:"timestamp"`
	EventType  string `json:"eventType"`
}

// IsEmpty reports whether every field is blank
func (s Span) IsEmpty() bool {
	return s == Span{}
}

// Time interprets the timestamp as Unix nanoseconds
func (s Span) Time() (time.Time, bool) {
	ns, err := strconv.ParseInt(s.Timestamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// SpanRecord is a parsed span together with where it came from
type SpanRecord struct {
	// ID is stable for a given source and offset, so re-deliveries after a
	// crash carry the same ID.
	ID     string `json:"id"`
	Source string `json:"source"`
	Offset uint64 `json:"offset"`
	Line   string `json:"line,omitempty"`
	Span   Span   `json:"span"`
}

// FilePosition tracks the committed position in a file
type FilePosition struct {
	Path   string `json:"path"`
	Offset uint64 `json:"offset"`
}
