package main

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/spotbox/spotbox/internal/lifecycle"
)

func newSSHCommandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ssh-command",
		Short: "Print the ssh command for the current instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, closeLog := setupLog(cmd.Context(), "ssh-command")
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
			log.Info("recovered instance", "id", instance.ID())

			details, err := instance.Describe(ctx)
			if err != nil {
				return err
			}

			publicDNS := aws.ToString(details.PublicDnsName)
			keyName := aws.ToString(details.KeyName)
			fmt.Fprintf(cmd.OutOrStdout(), "ssh -i ~/.ssh/%s.pem ubuntu@%s\n", keyName, publicDNS)
			return nil
		},
	}
}
