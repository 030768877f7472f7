package main

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/spotbox/spotbox/internal/lifecycle"
)

func newTerminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate",
		Short: "Cancel the spot request and terminate the current instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, closeLog := setupLog(cmd.Context(), "terminate")
			defer closeLog()
			log := clog.FromContext(ctx)

			cfg, err := loadAWSConfig(ctx)
			if err != nil {
				return fmt.Errorf("loading AWS config: %w", err)
			}

			instance, err := lifecycle.NewInstance(ec2.NewFromConfig(cfg), processedDir())
			if err != nil {
				return err
			}
			if err := instance.LoadLatest(); err != nil {
				return err
			}
			log.Info("terminating", "id", instance.ID(), "spot_request_id", instance.SpotRequestID())

			return instance.Terminate(ctx)
		},
	}
}
