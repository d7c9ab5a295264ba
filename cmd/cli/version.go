package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "portgate %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  commit:     %s\n", commit)
		fmt.Fprintf(cmd.OutOrStdout(), "  built:      %s\n", buildTime)
		fmt.Fprintf(cmd.OutOrStdout(), "  go version: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
