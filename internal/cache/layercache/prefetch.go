package layercache

import (
	"context"
	"sync"
	"time"

	"github.com/mohammed-shakir/oceanview/internal/core/observability"
)

// Item is one (dataset, date) pair to warm.
type Item struct {
	DatasetID string
	Date      string
	Fetch     Fetcher
}

type PrefetchOptions struct {
	BatchSize int
	Delay     time.Duration
}

type PrefetchStats struct {
	Fetched   int
	Cached    int
	Failed    int
	Abandoned int
	Cancelled bool
}

// Prefetch warms the cache in chunks of BatchSize, waiting Delay between
// chunks. Cancellation is checked between chunks; items of abandoned chunks
// are counted but never started. Entries inserted before cancellation stay.
func (c *Cache) Prefetch(ctx context.Context, items []Item, opts PrefetchOptions) PrefetchStats {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	var (
		mu    sync.Mutex
		stats PrefetchStats
	)
	start := time.Now()

	for i := 0; i < len(items); i += opts.BatchSize {
		if i > 0 && opts.Delay > 0 {
			t := time.NewTimer(opts.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			stats.Cancelled = true
			stats.Abandoned = len(items) - i
			break
		}

		end := min(i+opts.BatchSize, len(items))
		var wg sync.WaitGroup
		for _, it := range items[i:end] {
			if _, ok := c.Lookup(it.DatasetID, it.Date); ok {
				mu.Lock()
				stats.Cached++
				mu.Unlock()
				continue
			}
			wg.Add(1)
			go func(it Item) {
				defer wg.Done()
				_, err := c.GetOrFetch(ctx, it.DatasetID, it.Date, it.Fetch)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					stats.Failed++
					c.log.Debug("prefetch item failed", "dataset", it.DatasetID, "date", it.Date, "err", err)
					return
				}
				stats.Fetched++
			}(it)
		}
		wg.Wait()
	}

	observability.AddPrefetchItems("fetched", stats.Fetched)
	observability.AddPrefetchItems("cached", stats.Cached)
	observability.AddPrefetchItems("error", stats.Failed)
	observability.AddPrefetchItems("abandoned", stats.Abandoned)
	c.log.Info("prefetch finished",
		"items", len(items),
		"fetched", stats.Fetched,
		"cached", stats.Cached,
		"failed", stats.Failed,
		"abandoned", stats.Abandoned,
		"cancelled", stats.Cancelled,
		"dur", time.Since(start).String())
	return stats
}
