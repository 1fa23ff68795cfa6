package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/oceanview/internal/app/server"
	"github.com/mohammed-shakir/oceanview/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve [path]",
	Short: "Serve the viewer API",
	Long: `Serve loads the catalog, applies the optional initial selection path
(/region/dataset/date) and serves the HTTP API until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Listen address (host:port); overrides ADDR")
	serveCmd.Flags().String("prefs-dsn", "", "SQLite DSN for preferences; overrides PREFS_DSN")
	serveCmd.Flags().String("cache-policy", "", "Layer cache eviction policy (fifo, lru)")
	serveCmd.Flags().Int("cache-max", 0, "Layer cache capacity in entries")
	serveCmd.Flags().Bool("prefetch", false, "Warm every date of a selected region in the background")
	serveCmd.Flags().Bool("invalidation", false, "Consume layer invalidations from Kafka")
}

func runServe(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("prefs-dsn") {
		cfg.PrefsDSN, _ = flags.GetString("prefs-dsn")
	}
	if flags.Changed("cache-policy") {
		cfg.LayerCachePolicy, _ = flags.GetString("cache-policy")
	}
	if n, _ := flags.GetInt("cache-max"); n > 0 {
		cfg.LayerCacheMax = n
	}
	if flags.Changed("prefetch") {
		cfg.PrefetchEnabled, _ = flags.GetBool("prefetch")
	}
	if flags.Changed("invalidation") {
		on, _ := flags.GetBool("invalidation")
		cfg.Invalidation.Enabled = on
		if on {
			cfg.Invalidation.Driver = "kafka"
		}
	}
	var initial string
	if len(args) == 1 {
		initial = args[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := metrics.Init(metrics.Config{Enabled: true, Build: metrics.BuildInfoFromEnv(version)})

	appLog.Info("starting oceanview",
		"addr", cfg.Addr,
		"version", version,
		"catalog", cfg.CatalogURL,
		"cache_policy", cfg.LayerCachePolicy,
		"cache_max", cfg.LayerCacheMax)

	if err := server.Run(ctx, cfg, appLog, server.Options{InitialPath: initial, Metrics: p}); err != nil {
		appLog.Error("server exited with error", "err", err)
		return err
	}
	appLog.Info("server stopped")
	return nil
}
