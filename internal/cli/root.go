package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nconklindev/sheetsplit/internal/ui"
)

// BuildInfo is stamped in by the linker.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// NewRootCommand builds the sheetsplit command tree. Without a subcommand
// the interactive terminal UI starts.
func NewRootCommand(info BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:           "sheetsplit",
		Short:         "Split Excel workbooks into smaller files",
		Long:          "sheetsplit splits the sheets of an .xlsx workbook by row count, column subset or group column and bundles the results into one zip archive.",
		Version:       info.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ui.Run()
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("sheetsplit %s\ncommit: %s\nbuilt: %s\n", info.Version, info.Commit, info.Date))

	root.AddCommand(newInspectCommand())
	root.AddCommand(newSplitCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newCleanupCommand())
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute(info BuildInfo) {
	if err := NewRootCommand(info).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
