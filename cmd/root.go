// Package cmd contains the molq CLI commands.
package cmd

import (
	"github.com/ohsu-comp-bio/molq/cmd/jobs"
	"github.com/ohsu-comp-bio/molq/cmd/metrics"
	"github.com/ohsu-comp-bio/molq/cmd/util"
	"github.com/ohsu-comp-bio/molq/cmd/version"
	"github.com/spf13/cobra"
)

var opts = &util.Options{}

// RootCmd represents the root command
var RootCmd = &cobra.Command{
	Use:           "molq",
	Short:         "Submit and track jobs on local and cluster backends.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	RootCmd.PersistentFlags().AddFlagSet(util.GlobalFlags(opts))
	RootCmd.SetGlobalNormalizationFunc(util.NormalizeFlags)

	RootCmd.AddCommand(jobs.NewCommands(opts)...)
	RootCmd.AddCommand(metrics.NewCommand(opts))
	RootCmd.AddCommand(completionCmd)
	RootCmd.AddCommand(genMarkdownCmd)
	RootCmd.AddCommand(version.Cmd)
}
