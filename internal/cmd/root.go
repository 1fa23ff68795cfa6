// Package cmd holds the oceanview command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/oceanview/internal/core/config"
	"github.com/mohammed-shakir/oceanview/internal/logger"
)

var (
	version = "dev"
	cfg     config.Config
	appLog  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "oceanview",
	Short: "Ocean conditions map viewer engine",
	Long: `oceanview loads a regional catalog of ocean datasets, keeps the selected
layers cached and rendered, and reports values under the cursor.

Settings come from the environment; flags override them.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func Execute(v string) {
	if v != "" {
		version = v
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().Bool("log-console", false, "Human-readable console logs")
	rootCmd.PersistentFlags().Int("log-sample", 0, "Keep one of every N log events (0 keeps all)")
	rootCmd.PersistentFlags().String("catalog-url", "", "Catalog base URL; overrides CATALOG_URL")
}

// setup reads the environment, applies flag overrides and builds the logger.
func setup(cmd *cobra.Command, _ []string) error {
	cfg = config.FromEnv()
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("catalog-url") {
		cfg.CatalogURL, _ = flags.GetString("catalog-url")
	}
	console, _ := flags.GetBool("log-console")
	sampleN, _ := flags.GetInt("log-sample")

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   console,
		SampleN:   sampleN,
		Service:   "oceanview",
		Component: cmd.Name(),
	}, os.Stdout)
	appLog = logger.NewSlog(&zl)
	return nil
}
