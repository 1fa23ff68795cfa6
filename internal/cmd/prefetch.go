package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/oceanview/internal/cache/layercache"
	"github.com/mohammed-shakir/oceanview/internal/catalog"
	"github.com/mohammed-shakir/oceanview/internal/core/httpclient"
	"github.com/mohammed-shakir/oceanview/internal/core/model"
	"github.com/mohammed-shakir/oceanview/internal/layerfetch"
)

var prefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Fetch every date of a region once and report what succeeded",
	Long: `Prefetch loads the catalog and fetches the layers of every dataset date in
one region, in batches, the same way the server warms its cache after a region
is selected. It is useful for checking that a catalog's layer URLs resolve.`,
	RunE: runPrefetch,
}

func init() {
	rootCmd.AddCommand(prefetchCmd)

	prefetchCmd.Flags().String("region", "", "Region id to warm (required)")
	prefetchCmd.Flags().String("dataset", "", "Restrict to one dataset id")
	prefetchCmd.Flags().Int("batch", 0, "Concurrent fetches per batch; overrides PREFETCH_BATCH")
	prefetchCmd.Flags().Duration("delay", -1, "Pause between batches; overrides PREFETCH_DELAY")
	_ = prefetchCmd.MarkFlagRequired("region")
}

func runPrefetch(cmd *cobra.Command, _ []string) error {
	regionID, _ := cmd.Flags().GetString("region")
	datasetID, _ := cmd.Flags().GetString("dataset")
	opts := layercache.PrefetchOptions{BatchSize: cfg.PrefetchBatch, Delay: cfg.PrefetchDelay}
	if n, _ := cmd.Flags().GetInt("batch"); n > 0 {
		opts.BatchSize = n
	}
	if d, _ := cmd.Flags().GetDuration("delay"); d >= 0 {
		opts.Delay = d
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hc := httpclient.NewOutbound(cfg.FetchTimeout)
	cc, err := catalog.NewClient(cfg.CatalogURL, hc, appLog)
	if err != nil {
		return err
	}
	cat, err := cc.Load(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	region := cat.Region(regionID)
	if region == nil {
		return fmt.Errorf("unknown region %q", regionID)
	}

	fetcher := layerfetch.New(hc, appLog)
	items := regionItems(region, datasetID, fetcher)
	if len(items) == 0 {
		return fmt.Errorf("region %q has no dates to fetch", regionID)
	}
	cache, err := layercache.New(layercache.Config{MaxEntries: len(items), Logger: appLog})
	if err != nil {
		return err
	}

	st := cache.Prefetch(ctx, items, opts)
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "region=%s items=%d fetched=%d failed=%d abandoned=%d cancelled=%t\n",
		regionID, len(items), st.Fetched, st.Failed, st.Abandoned, st.Cancelled)
	if err != nil {
		return err
	}
	if st.Failed > 0 {
		return fmt.Errorf("%d of %d layers failed", st.Failed, len(items))
	}
	return nil
}

func regionItems(r *model.Region, datasetID string, f *layerfetch.Fetcher) []layercache.Item {
	var items []layercache.Item
	for _, ds := range r.Datasets {
		if datasetID != "" && ds.ID != datasetID {
			continue
		}
		for _, e := range ds.Dates {
			items = append(items, layercache.Item{DatasetID: ds.ID, Date: e.Date, Fetch: f.For(ds.ID, e)})
		}
	}
	return items
}
