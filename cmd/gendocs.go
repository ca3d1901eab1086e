package cmd

import (
	"github.com/ohsu-comp-bio/molq/util/fsutil"
	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var docsDir = "./docs/cli"

var genMarkdownCmd = &cobra.Command{
	Use:    "genmarkdown",
	Short:  "Generate markdown reference pages for the molq commands",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := fsutil.EnsureDir(docsDir); err != nil {
			return err
		}
		RootCmd.DisableAutoGenTag = true
		return doc.GenMarkdownTree(RootCmd, docsDir)
	},
}

func init() {
	genMarkdownCmd.Flags().StringVarP(&docsDir, "out", "o", docsDir, "Directory to write the pages to")
}
