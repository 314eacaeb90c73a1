package main

import (
	"bufio"
	"errors"
	"io"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/spanship/internal/parser"
	"github.com/therealutkarshpriyadarshi/spanship/pkg/types"
)

type parsedLine struct {
	Line      int        `json:"line"`
	Span      types.Span `json:"span"`
	Parseable bool       `json:"parseable"`
}

func newParseCommand(ctx *commandContext) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Parse trace lines from stdin and print them as JSON spans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				format = string(cfg.Parser.Format)
			}

			p, err := parser.New(parser.Format(format))
			if err != nil {
				return err
			}

			return parseStream(cmd, p, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "Line format (tsv or json); defaults to the configured format")
	return cmd
}

func parseStream(cmd *cobra.Command, p parser.Parser, in io.Reader) error {
	reader := bufio.NewReader(in)
	for n := 1; ; n++ {
		line, err := reader.ReadString('\n')
		if line != "" {
			span, ok := p.Parse(line)
			if werr := writeJSON(cmd, parsedLine{Line: n, Span: span, Parseable: ok}); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
