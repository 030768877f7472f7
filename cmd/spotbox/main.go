// Package main is the spotbox CLI: short-lived invocations that provision,
// inspect and tear down an ephemeral spot EC2 dev box and its EBS volume.
// All state shared between invocations lives in the journal files under the
// data directory; each command rebuilds what it needs from there.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Global flags.
var (
	awsProfile string
	awsRegion  string
	dataDir    string
	verbosity  int
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "spotbox",
		Short: "Manage an ephemeral spot EC2 dev box and its attachable volume",
		Long: `spotbox provisions a spot-priced EC2 development instance and an
attachable EBS volume from one-shot command invocations. Every mutating
operation is journaled under the data directory, so a later invocation can
pick up the current instance or volume without any long-running process.

Note that there is no locking across invocations: running two spotbox
commands against the same data directory at the same time can create
duplicate resources.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&awsProfile, "aws-profile", "p", "", "AWS credential profile")
	root.PersistentFlags().StringVar(&awsRegion, "region", "", "AWS region (defaults to the profile's region)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "data", "directory for journals and logs")
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (repeatable)")

	root.AddCommand(newRequestCmd())
	root.AddCommand(newSSHCommandCmd())
	root.AddCommand(newAttachVolumeCmd())
	root.AddCommand(newCreateSnapshotCmd())
	root.AddCommand(newTerminateCmd())

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
