package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jvalenc/webmta/internal/config"
)

var (
	configPath string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "webmta",
		Short: "Web console message dispatch gateway",
		Long: `webmta accepts messages over a local HTTP API and delivers them by
driving a browser session against a remote web messaging console. It keeps a
strict single-worker outbound queue, retries transient failures with bounded
backoff, and records an audit trail of every attempt.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			switch cmd.Name() {
			case "help", "version", "completion":
				return
			}
			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(1)
			}
		},
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}
