package parser

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/therealutkarshpriyadarshi/spanship/pkg/types"
)

// JSONParser parses one JSON object per line using the collector's key
// names. The timestamp may be encoded as a number or a string.
type JSONParser struct{}

type jsonSpan struct {
	TraceID    string          `json:"traceId"`
	NodeID     string          `json:"nodeId"`
	PeerNodeID string          `json:"peerNodeId"`
	ThreadID   string          `json:"threadId"`
	Timestamp  json.RawMessage `json:"timestamp"`
	EventType  string          `json:"eventType"`
}

// Parse parses a JSON trace line
func (p *JSONParser) Parse(line string) (types.Span, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return types.Span{}, false
	}

	var raw jsonSpan
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return types.Span{}, false
	}

	ts, ok := timestampString(raw.Timestamp)
	if !ok {
		return types.Span{}, false
	}

	return types.Span{
		TraceID:    raw.TraceID,
		NodeID:     raw.NodeID,
		PeerNodeID: raw.PeerNodeID,
		ThreadID:   raw.ThreadID,
		Timestamp:  ts,
		EventType:  raw.EventType,
	}, true
}

// Name returns the parser name
func (p *JSONParser) Name() string {
	return string(FormatJSON)
}

func timestampString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}

	return "", false
}
