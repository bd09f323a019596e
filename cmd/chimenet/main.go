// Command chimenet runs a chime node and talks to chimes on the network.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "chimenet",
	Short: "Networked presence chimes over NATS",
	Long: `chimenet runs a virtual chime: other users ring it over a shared broker and
it answers according to its presence mode and custom states.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			_ = os.Setenv("CHIMENET_CONFIG", configPath)
		}
		if logLevel != "" {
			_ = os.Setenv("LOG_LEVEL", logLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (overrides CHIMENET_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, ringCmd, tokenCmd, statesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
