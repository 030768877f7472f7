package main

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/spotbox/spotbox/internal/lifecycle"
)

func newAttachVolumeCmd() *cobra.Command {
	var (
		volumeSize int32
		device     string
	)

	cmd := &cobra.Command{
		Use:   "attach-volume",
		Short: "Create or reuse an EBS volume and attach it to the current instance",
		Long: `attach-volume recovers the current instance from the journal, then either
reuses the most recently journaled volume (when the provider still reports
it available) or creates a fresh one in the instance's availability zone.
The volume is then attached at the given device path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if volumeSize < 10 {
				return fmt.Errorf("volume size must be at least 10 GiB, got %d", volumeSize)
			}

			ctx, closeLog := setupLog(cmd.Context(), "attach-volume")
			defer closeLog()
			log := clog.FromContext(ctx)

			cfg, err := loadAWSConfig(ctx)
			if err != nil {
				return fmt.Errorf("loading AWS config: %w", err)
			}
			client := ec2.NewFromConfig(cfg)

			instance, err := lifecycle.NewInstance(client, processedDir())
			if err != nil {
				return err
			}
			if err := instance.LoadLatest(); err != nil {
				return err
			}
			zone, err := instance.AvailabilityZone(ctx)
			if err != nil {
				return err
			}
			log.Info("recovered instance", "id", instance.ID(), "az", zone)

			volume, err := lifecycle.NewVolume(client, processedDir())
			if err != nil {
				return err
			}
			if err := volume.EnsureAvailable(ctx, volumeSize, zone); err != nil {
				return err
			}

			details, err := volume.Describe(ctx)
			if err != nil {
				return err
			}
			pretty, err := json.MarshalIndent(details, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding volume details: %w", err)
			}
			log.Info("volume ready", "details", string(pretty))

			return volume.Attach(ctx, instance.ID(), device)
		},
	}

	cmd.Flags().Int32VarP(&volumeSize, "volume-size", "s", 128, "volume size in GiB")
	cmd.Flags().StringVarP(&device, "device", "d", "/dev/sdf", "device path to attach at")

	return cmd
}
