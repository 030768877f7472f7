package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/spotbox/spotbox/internal/stackcfg"
)

func newCreateSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-snapshot <volume-id>",
		Short: "Snapshot a volume and save the snapshot metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			volumeID := args[0]

			ctx, closeLog := setupLog(cmd.Context(), "create-snapshot")
			defer closeLog()
			log := clog.FromContext(ctx)

			cfg, err := loadAWSConfig(ctx)
			if err != nil {
				return fmt.Errorf("loading AWS config: %w", err)
			}

			stack := stackcfg.Dev()
			log.Info("creating snapshot", "volume_id", volumeID)
			snapshot, err := ec2.NewFromConfig(cfg).CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
				VolumeId:    aws.String(volumeID),
				Description: aws.String(fmt.Sprintf("%s-ec2-snapshot", stack.StackName)),
			})
			if err != nil {
				return fmt.Errorf("creating snapshot: %w", err)
			}

			outDir := filepath.Join(processedDir(), "create_snapshot")
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("creating snapshot output directory: %w", err)
			}

			pretty, err := json.MarshalIndent(snapshot, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding snapshot metadata: %w", err)
			}
			outPath := filepath.Join(outDir, fmt.Sprintf("snapshot_%s.json", time.Now().Format("20060102150405")))
			if err := os.WriteFile(outPath, pretty, 0o644); err != nil {
				return fmt.Errorf("saving snapshot metadata: %w", err)
			}

			log.Info("saved snapshot metadata", "snapshot_id", aws.ToString(snapshot.SnapshotId), "path", outPath)
			return nil
		},
	}
}
