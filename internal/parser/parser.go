package parser

import (
	"fmt"
	"strings"

	"github.com/therealutkarshpriyadarshi/spanship/pkg/types"
)

// Parser turns one log line into a span. Implementations are total: a line
// they cannot interpret yields the empty span and false, never an error. A
// line in the right shape whose fields happen to be blank still reports true.
type Parser interface {
	// Parse parses a raw log line into a Span
	Parse(line string) (types.Span, bool)

	// Name returns the parser name
	Name() string
}

// Format identifies a line format
type Format string

const (
	FormatTSV  Format = "tsv"
	FormatJSON Format = "json"
)

// New creates a parser for the given format
func New(format Format) (Parser, error) {
	switch format {
	case FormatTSV, "":
		return &TSVParser{}, nil
	case FormatJSON:
		return &JSONParser{}, nil
	default:
		return nil, fmt.Errorf("unknown parser format: %s", format)
	}
}

// trimLineEnding strips a trailing "\n" or "\r\n"
func trimLineEnding(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}
