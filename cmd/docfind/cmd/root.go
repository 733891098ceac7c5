// Package cmd provides the CLI commands for docfind.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/namjunsu/docfind/internal/config"
	"github.com/namjunsu/docfind/internal/logging"
)

var (
	configPath     string
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the docfind CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docfind",
		Short: "Private document search over an internal PDF corpus",
		Long: `docfind answers questions over a corpus of internal documents with
hybrid retrieval (BM25 + vector, RRF-fused), an exact model-code layer,
and grounded, citation-checked answers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "docfind.yaml", "Path to the configuration file")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRun = func(*cobra.Command, []string) {
		if loggingCleanup != nil {
			loggingCleanup()
		}
	}

	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newReindexCmd())
	cmd.AddCommand(newStatsCmd())

	return cmd
}

func setupLogging(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logCfg := logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: false,
	}
	if debugMode {
		logCfg.Level = "debug"
		logCfg.WriteToStderr = true
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	loggingCleanup = cleanup
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
