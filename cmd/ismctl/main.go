// Command ismctl runs the Index Lifecycle Controller: the shared per-tick
// execution engine for ISM and rollup jobs (SPEC_FULL.md §6 CLI surface).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/indexlifecycle/ismctl/internal/version"
)

func main() {
	cmd := NewISMCtlCommand()
	if err := cmd.Execute(); err != nil {
		klog.ErrorS(err, "ismctl exited with an error")
		os.Exit(1)
	}
}

// NewISMCtlCommand creates the root command with its serve/version subcommands.
func NewISMCtlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ismctl",
		Short: "Index Lifecycle Controller",
		Long: `ismctl runs the policy-driven index state management and rollup
control loops against a NATS-backed metadata store and a ClickHouse-backed
composite-aggregation source.`,
	}

	klog.InitFlags(nil)
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewVersionCommand())
	return cmd
}

// NewVersionCommand creates the version subcommand to display build information.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()
			fmt.Printf("ismctl\n")
			fmt.Printf("  Version:    %s\n", info.Version)
			fmt.Printf("  Git Commit: %s\n", info.GitCommit)
			fmt.Printf("  Git Tree:   %s\n", info.GitTreeState)
			fmt.Printf("  Build Date: %s\n", info.BuildDate)
			fmt.Printf("  Go Version: %s\n", info.GoVersion)
			fmt.Printf("  Platform:   %s\n", info.Platform)
		},
	}
}
