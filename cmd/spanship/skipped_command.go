package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/spanship/internal/dlq"
)

func newSkippedCommand(ctx *commandContext) *cobra.Command {
	var (
		asJSON bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "skipped",
		Short: "List lines the daemon gave up delivering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			path := filepath.Join(cfg.DeadLetter.Dir, dlq.FileName)
			entries, err := dlq.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}

			if asJSON {
				if entries == nil {
					entries = []*dlq.DLQEntry{}
				}
				return writeJSON(cmd, entries)
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No skipped lines")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					humanize.Time(e.Timestamp),
					e.Source,
					strconv.FormatUint(e.Offset, 10),
					e.Sink,
					strconv.Itoa(e.Attempts),
					e.Error,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"When", "Source", "Offset", "Sink", "Attempts", "Error"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
			))
			fmt.Fprintf(out, "\n%s skipped lines in %s\n", humanize.Comma(int64(len(entries))), path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print entries as JSON")
	cmd.Flags().IntVar(&limit, "limit", 0, "Show only the most recent N entries")
	return cmd
}
