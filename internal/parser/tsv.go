package parser

import (
	"strings"

	"github.com/therealutkarshpriyadarshi/spanship/pkg/types"
)

const (
	localFields = 7
	peerFields  = 8
)

// TSVParser parses the tab-separated trace log format.
//
// Local events carry 7 fields:
//
//	traceId  nodeId  threadId  timestamp  -  eventType  -
//
// Events involving a peer node carry 8, with peerNodeId after nodeId.
type TSVParser struct{}

// Parse parses a tab-separated trace line
func (p *TSVParser) Parse(line string) (types.Span, bool) {
	fields := strings.Split(trimLineEnding(line), "\t")

	switch len(fields) {
	case localFields:
		return types.Span{
			TraceID:   fields[0],
			NodeID:    fields[1],
			ThreadID:  fields[2],
			Timestamp: fields[3],
			EventType: fields[5],
		}, true
	case peerFields:
		return types.Span{
			TraceID:    fields[0],
			NodeID:     fields[1],
			PeerNodeID: fields[2],
			ThreadID:   fields[3],
			Timestamp:  fields[4],
			EventType:  fields[6],
		}, true
	default:
		return types.Span{}, false
	}
}

// Name returns the parser name
func (p *TSVParser) Name() string {
	return string(FormatTSV)
}
