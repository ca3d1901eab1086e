// Package version contains the "version" command.
package version

import (
	"fmt"

	"github.com/ohsu-comp-bio/molq/version"
	"github.com/spf13/cobra"
)

// Cmd represents the "version" command
var Cmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and version details.",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		info := version.Get()
		if info.GitCommit != "" {
			fmt.Fprintln(w, "git commit:", info.GitCommit)
		}
		if info.GitBranch != "" {
			fmt.Fprintln(w, "git branch:", info.GitBranch)
		}
		if info.BuildDate != "" {
			fmt.Fprintln(w, "build date:", info.BuildDate)
		}
		fmt.Fprintln(w, "version:", info.Version)
	},
}
