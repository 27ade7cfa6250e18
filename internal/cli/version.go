package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the snocat version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("snocat", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
