package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Exiting")
		os.Exit(1)
	}
}

// newRootCommand runs the API server by default. The worker subcommand is
// what the process-mode pool spawns for each slot.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "opendxa-processing",
		Short:         "Job queue and worker pool for OpenDXA trajectory processing",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	cmd.AddCommand(newServeCommand(), newWorkerCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, queues and worker pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}
