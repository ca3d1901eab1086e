package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:       "completion [bash|zsh|fish]",
	Short:     "Generate shell completion code",
	Long:      `Add "source <(molq completion bash)" to your bash profile.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"bash", "zsh", "fish"},
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return RootCmd.GenBashCompletionV2(w, true)
		case "zsh":
			return RootCmd.GenZshCompletion(w)
		case "fish":
			return RootCmd.GenFishCompletion(w, true)
		}
		return fmt.Errorf("unsupported shell %q", args[0])
	},
}
