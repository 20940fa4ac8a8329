package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvalenc/webmta/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Commands for validating and inspecting webmta configuration",
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(&cobra.Command{
		Use:     "validate",
		Aliases: []string{"test"},
		Short:   "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Println("Configuration is valid")
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Run: func(cmd *cobra.Command, args []string) {
			file, err := config.FindConfigFile(configPath)
			if err != nil {
				fmt.Println("Config file: (none, defaults in effect)")
			} else {
				fmt.Printf("Config file: %s\n", file)
			}
			fmt.Printf("Console URL: %s\n", cfg.Console.URL)
			fmt.Printf("Console account: %s\n", cfg.Console.Account)
			fmt.Printf("Browser: headless=%t profile=%s\n", cfg.Browser.Headless, cfg.Browser.ProfileDir)
			fmt.Printf("Queue: max_retries=%d backoff=%dms..%dms pause=%ds..%ds\n",
				cfg.Queue.MaxRetries, cfg.Queue.BackoffBaseMS, cfg.Queue.BackoffCapMS,
				cfg.Queue.PauseMinSeconds, cfg.Queue.PauseMaxSeconds)
			fmt.Printf("Audit: %s %s (retention %dh)\n", cfg.Audit.Driver, redactDSN(cfg.Audit.DSN), cfg.Audit.RetentionHours)
			fmt.Printf("Artifacts: %s\n", cfg.Artifact.Backend)
			fmt.Printf("Dedup cache: %s\n", cfg.Cache.Type)
			fmt.Printf("API: enabled=%t listen=%s auth=%t\n", cfg.API.Enabled, cfg.API.ListenAddr, cfg.API.AuthEnabled)
			if cfg.Notify.URL != "" {
				fmt.Printf("Webhook: %s\n", cfg.Notify.URL)
			}
		},
	})
}

// redactDSN hides credentials embedded in mysql/postgres DSNs
func redactDSN(dsn string) string {
	if dsn == "" {
		return "(none)"
	}
	for i := 0; i < len(dsn); i++ {
		if dsn[i] == '@' {
			return "***" + dsn[i:]
		}
	}
	return dsn
}
