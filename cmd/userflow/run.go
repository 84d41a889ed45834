package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/userflow/internal/runtime"
	loggingpkg "github.com/drblury/userflow/internal/runtime/logging"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume the topic until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := runtimepkg.TryNewService(cfg, logger, ctx, runtimepkg.ServiceDependencies{
				TransportRegistry: opts.registry,
				Output:            cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			if err := svc.Start(ctx); err != nil {
				return err
			}
			logger.Info("Stream stopped", loggingpkg.LogFields{"state": svc.State().String()})
			return nil
		},
	}
}
