package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/spanship/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/spanship/internal/config"
	"github.com/therealutkarshpriyadarshi/spanship/internal/daemon"
)

type checkpointStatus struct {
	File       string `json:"file"`
	Record     string `json:"record"`
	Committed  bool   `json:"committed"`
	Offset     uint64 `json:"offset"`
	FileSize   int64  `json:"file_size"`
	FileExists bool   `json:"file_exists"`
}

func newCheckpointCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or change committed read positions",
	}
	cmd.AddCommand(newCheckpointShowCommand(ctx))
	cmd.AddCommand(newCheckpointResetCommand(ctx))
	return cmd
}

func newCheckpointShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <file>",
		Short: "Show the committed offset for a log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			status, err := readCheckpoint(cfg, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, status)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "File:      %s\n", status.File)
			fmt.Fprintf(out, "Record:    %s\n", status.Record)
			if !status.Committed {
				fmt.Fprintln(out, "Offset:    none committed")
			} else {
				fmt.Fprintf(out, "Offset:    %d (%s)\n", status.Offset, humanize.IBytes(status.Offset))
			}
			if status.FileExists {
				fmt.Fprintf(out, "File size: %d (%s)\n", status.FileSize, humanize.IBytes(uint64(status.FileSize)))
				if status.Committed && status.Offset <= uint64(status.FileSize) {
					fmt.Fprintf(out, "Pending:   %s\n", humanize.IBytes(uint64(status.FileSize)-status.Offset))
				}
			} else {
				fmt.Fprintln(out, "File size: file does not exist")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newCheckpointResetCommand(ctx *commandContext) *cobra.Command {
	var offset uint64

	cmd := &cobra.Command{
		Use:   "reset <file>",
		Short: "Overwrite the committed offset for a log file",
		Long: "Overwrite the committed offset for a log file. The daemon must not be\n" +
			"running against the same checkpoint directory.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			store, err := checkpoint.NewStore(cfg.Checkpoint.Dir, cfg.Watch.Root)
			if err != nil {
				return err
			}

			lock := flock.New(filepath.Join(store.Dir(), daemon.LockFile))
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !locked {
				return fmt.Errorf("%w: stop it before resetting checkpoints", daemon.ErrAlreadyRunning)
			}
			defer lock.Unlock()

			file, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			h, err := store.Open(file)
			if err != nil {
				return err
			}
			defer h.Close()

			if info, err := os.Stat(file); err == nil && offset > uint64(info.Size()) {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: offset %d is beyond the end of %s (%d bytes)\n",
					offset, file, info.Size())
			}

			if err := h.Write(offset); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: offset set to %d\n", file, offset)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&offset, "offset", 0, "New committed offset in bytes")
	return cmd
}

// readCheckpoint reports the committed offset without creating a record
func readCheckpoint(cfg *config.Config, name string) (*checkpointStatus, error) {
	file, err := filepath.Abs(name)
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.NewStore(cfg.Checkpoint.Dir, cfg.Watch.Root)
	if err != nil {
		return nil, err
	}
	record, err := store.PathFor(file)
	if err != nil {
		return nil, err
	}

	status := &checkpointStatus{File: file, Record: record}

	if info, err := os.Stat(file); err == nil {
		status.FileExists = true
		status.FileSize = info.Size()
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if _, err := os.Stat(record); errors.Is(err, os.ErrNotExist) {
		return status, nil
	} else if err != nil {
		return nil, err
	}

	h, err := store.Open(file)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	status.Offset, err = h.Read()
	if err != nil {
		return nil, err
	}
	status.Committed = true
	return status, nil
}
