// Package cmd defines and implements the CLI commands for the refharvest
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reflib/refharvest/internal/config"
	"github.com/reflib/refharvest/internal/logging"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refharvest",
		Short: "Resolves, enriches and archives the references of a document",
		Long: `refharvest renders a document page in a headless browser, extracts its
reference list, resolves each reference to a DOI, enriches the result with
bibliographic metadata and downloads the open-access assets.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults plus environment)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadEnvironment() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}
