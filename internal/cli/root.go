// Package cli implements the snocat command line: configuration loading,
// daemon assembly, and process lifecycle.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "snocat",
	Short: "Peer-capable stream tunneling daemon",
	Long: `snocat maintains authenticated, encrypted QUIC connections between
peers and routes named logical streams across them to registered
services. Either peer may listen, dial, expose services, and open
streams; the configuration decides, not the protocol.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/snocat/config.yaml, then ./snocat.yaml)")
}
