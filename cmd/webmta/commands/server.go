package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jvalenc/webmta/internal/logging"
	"github.com/jvalenc/webmta/internal/server"
)

var headfulFlag bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the dispatch gateway",
	Long: `Start the dispatch gateway: launch the browser, establish the console
session, and serve the local HTTP API. When the console asks for a second
factor at login, run with --headful and complete it in the visible browser
window within the configured window.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startServer()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().BoolVar(&headfulFlag, "headful", false, "Run the browser with a visible window (needed for manual second-factor entry)")
}

func startServer() error {
	if headfulFlag {
		cfg.Browser.Headless = false
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("gateway exited with error", "error", err)
		return err
	}
	logger.Info("gateway stopped")
	return nil
}
