package main

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/spotbox/spotbox/internal/lifecycle"
	"github.com/spotbox/spotbox/internal/stackcfg"
	"github.com/spotbox/spotbox/internal/stackoutput"
)

// Instance types this tool is commonly run with. t2.micro is free tier,
// m5.xlarge is 4 vCPU / 16GB, g4dn.xlarge adds one Tesla T4.
var allowedInstanceTypes = []string{"t2.micro", "m5.xlarge", "g4dn.xlarge"}

func newRequestCmd() *cobra.Command {
	var (
		sshKeyName   string
		instanceType string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a spot dev instance and wait until it is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(allowedInstanceTypes, instanceType) {
				return fmt.Errorf("unsupported instance type %q (supported: %v)", instanceType, allowedInstanceTypes)
			}

			ctx, closeLog := setupLog(cmd.Context(), "request")
			defer closeLog()
			log := clog.FromContext(ctx)

			cfg, err := loadAWSConfig(ctx)
			if err != nil {
				return fmt.Errorf("loading AWS config: %w", err)
			}

			stack := stackcfg.Dev()
			securityGroupID, err := stackoutput.SecurityGroupID(ctx, cloudformation.NewFromConfig(cfg), stack.StackName)
			if err != nil {
				return err
			}
			log.Info("resolved security group", "id", securityGroupID)

			instance, err := lifecycle.NewInstance(ec2.NewFromConfig(cfg), processedDir())
			if err != nil {
				return err
			}

			log.Info("launching spot instance", "instance_type", instanceType)
			if err := instance.Request(ctx, lifecycle.RequestOptions{
				TagName:         stack.TagName,
				SecurityGroupID: securityGroupID,
				KeyName:         sshKeyName,
				InstanceType:    types.InstanceType(instanceType),
			}); err != nil {
				return err
			}
			if err := instance.WaitUntilRunning(ctx); err != nil {
				return err
			}

			details, err := instance.Describe(ctx)
			if err != nil {
				return err
			}
			pretty, err := json.MarshalIndent(details, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding instance details: %w", err)
			}
			log.Info("instance running", "details", string(pretty))
			return nil
		},
	}

	cmd.Flags().StringVarP(&sshKeyName, "ssh-key-name", "k", "ml-dev-key", "SSH key pair name for accessing the instance")
	cmd.Flags().StringVarP(&instanceType, "instance-type", "t", "t2.micro", fmt.Sprintf("instance type %v", allowedInstanceTypes))

	return cmd
}
