package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/spanship/internal/daemon"
	"github.com/therealutkarshpriyadarshi/spanship/internal/logging"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the shipping daemon in the foreground",
		Long: "Tail every qualifying file under the watch root, including files in\n" +
			"directories created later, and deliver each line to the configured sink.\n" +
			"Stops gracefully on SIGINT or SIGTERM.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}

			logger := logging.New(logging.Config{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			logging.SetGlobal(logger)

			logger.Info().
				Str("version", version).
				Str("root", cfg.Watch.Root).
				Str("sink", cfg.Sink.Type).
				Msg("Starting spanship")

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(runCtx, cfg, logger)
			if err != nil {
				return err
			}
			return d.Run(runCtx)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	return cmd
}
