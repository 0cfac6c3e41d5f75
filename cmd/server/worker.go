package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opendxa/processing/internal/client"
	"github.com/opendxa/processing/internal/config"
	"github.com/opendxa/processing/internal/logging"
	"github.com/opendxa/processing/internal/model"
	"github.com/opendxa/processing/internal/worker"
)

const sshDialTimeout = 30 * time.Second

func newWorkerCommand() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve jobs of one kind over stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := model.ParseKind(kind)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			// Stdout carries the worker protocol
			logging.Configure(os.Stderr, cfg.Server.LogLevel, "production")
			log.Logger = log.With().Str("worker_kind", string(k)).Int("pid", os.Getpid()).Logger()

			reg, err := buildWorkerRegistry(cfg)
			if err != nil {
				return err
			}
			return worker.Serve(cmd.Context(), os.Stdin, os.Stdout, reg)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "job kind to serve")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

// buildWorkerRegistry maps every job kind onto its handler. Cloud uploads
// are only registered when a bucket is configured.
func buildWorkerRegistry(cfg *config.Config) (*worker.Registry, error) {
	reg := worker.NewRegistry()
	reg.Register(model.KindAnalysis, worker.NewCommandHandler(cfg.Commands.Analysis, cfg.Commands.TimeoutSeconds))
	reg.Register(model.KindRasterization, worker.NewCommandHandler(cfg.Commands.Rasterizer, cfg.Commands.TimeoutSeconds))
	reg.Register(model.KindTrajectoryProcessing, worker.NewCommandHandler(cfg.Commands.Trajectory, cfg.Commands.TimeoutSeconds))
	reg.Register(model.KindSSHImport, worker.NewSSHImportHandler(client.NewSSHClient(sshDialTimeout)))

	if cfg.S3Configured() {
		s3, err := client.NewS3Client(&cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		reg.Register(model.KindCloudUpload, worker.NewCloudUploadHandler(s3))
	} else {
		log.Warn().Msg("S3 is not configured, cloud-upload jobs will fail")
	}
	return reg, nil
}
