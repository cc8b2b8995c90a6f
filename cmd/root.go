package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/NamanBalaji/mediagate/internal/config"
	"github.com/NamanBalaji/mediagate/internal/logger"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "mediagate",
	Short:         "MediaGate is the local media gateway of the player",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	config.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newDownloadsCmd())
}

// loadConfig reads the config with the command's flags and sets up logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := logger.InitLogging(cfg.Debug, cfg.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize logging: %v\n", err)
	}
	return cfg, nil
}
