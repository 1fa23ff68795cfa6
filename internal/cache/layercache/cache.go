// Package layercache holds fetched layer payloads keyed by (dataset, date).
package layercache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/oceanview/internal/cache/keys"
	"github.com/mohammed-shakir/oceanview/internal/core/observability"
)

const DefaultMaxEntries = 500

type Policy string

const (
	// PolicyFIFO evicts the earliest inserted entry; reads do not refresh.
	PolicyFIFO Policy = "fifo"
	// PolicyLRU evicts the least recently read or inserted entry.
	PolicyLRU Policy = "lru"
)

// ParsePolicy maps a config string to a Policy, defaulting to FIFO.
func ParsePolicy(s string) Policy {
	if strings.EqualFold(strings.TrimSpace(s), string(PolicyLRU)) {
		return PolicyLRU
	}
	return PolicyFIFO
}

// Payload is one immutable fetched layer. Data and Contours are nil when
// the dataset has no such layer or the sub-fetch failed; ImageURL is only
// referenced, never fetched.
type Payload struct {
	DatasetID string
	Date      string
	Data      *geojson.FeatureCollection
	Contours  *geojson.FeatureCollection
	ImageURL  string
	Checksum  uint64
	FetchedAt time.Time
}

// Empty reports whether the payload carries nothing renderable.
func (p *Payload) Empty() bool {
	return p == nil || (p.Data == nil && p.Contours == nil && p.ImageURL == "")
}

// Fetcher produces the payload for a key on a miss.
type Fetcher func(ctx context.Context) (*Payload, error)

type Config struct {
	MaxEntries int
	Policy     Policy
	Logger     *slog.Logger
}

type Cache struct {
	log    *slog.Logger
	policy Policy
	max    int

	mu      sync.Mutex
	entries *lru.Cache[string, *Payload]
	// epoch increments on InvalidateAll, dsGen on RemoveDataset and keyGen
	// on Remove. A fill is inserted only if its generation is still current.
	epoch  uint64
	dsGen  map[string]uint64
	keyGen map[string]uint64

	flights singleflight.Group
}

func New(cfg Config) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyFIFO
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	entries, err := lru.New[string, *Payload](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("layer cache: %w", err)
	}
	return &Cache{
		log:     cfg.Logger,
		policy:  cfg.Policy,
		max:     cfg.MaxEntries,
		entries: entries,
		dsGen:   make(map[string]uint64),
		keyGen:  make(map[string]uint64),
	}, nil
}

// generation identifies the invalidation state a fill started under.
type generation struct {
	epoch, dataset, key uint64
}

func (g generation) String() string {
	return strconv.FormatUint(g.epoch, 10) + "." +
		strconv.FormatUint(g.dataset, 10) + "." +
		strconv.FormatUint(g.key, 10)
}

func (c *Cache) generationLocked(datasetID, key string) generation {
	return generation{epoch: c.epoch, dataset: c.dsGen[datasetID], key: c.keyGen[key]}
}

// Lookup serves a cached payload without touching the network.
func (c *Cache) Lookup(datasetID, date string) (*Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(keys.LayerKey(datasetID, date))
}

func (c *Cache) lookupLocked(key string) (*Payload, bool) {
	if c.policy == PolicyLRU {
		return c.entries.Get(key)
	}
	return c.entries.Peek(key)
}

// GetOrFetch returns the cached payload for (datasetID, date) or runs fetch
// once for all concurrent callers of the same key. A canceled ctx releases
// the caller but not the shared fetch, which still fills the cache.
func (c *Cache) GetOrFetch(ctx context.Context, datasetID, date string, fetch Fetcher) (*Payload, error) {
	if fetch == nil {
		return nil, errors.New("layer cache: nil fetcher")
	}
	key := keys.LayerKey(datasetID, date)

	c.mu.Lock()
	if p, ok := c.lookupLocked(key); ok {
		c.mu.Unlock()
		observability.ObserveLayerCache("hit")
		return p, nil
	}
	gen := c.generationLocked(datasetID, key)
	c.mu.Unlock()

	// a removal changes the generation, so later callers start a new flight
	flightKey := gen.String() + "|" + key
	ch := c.flights.DoChan(flightKey, func() (any, error) {
		// a flight for key may have finished between the miss and DoChan
		if p, ok := c.Lookup(datasetID, date); ok {
			return p, nil
		}
		p, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("fetch %s: %w", key, ErrNilPayload)
		}
		c.insert(gen, datasetID, key, p)
		return p, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("layer cache %s: %w", key, ctx.Err())
	case res := <-ch:
		if res.Shared {
			observability.ObserveLayerCache("shared")
		} else {
			observability.ObserveLayerCache("miss")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Payload), nil
	}
}

var ErrNilPayload = errors.New("fetcher returned no payload")

// insert adds p unless the key was invalidated after the fill started.
func (c *Cache) insert(gen generation, datasetID, key string, p *Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generationLocked(datasetID, key) != gen {
		observability.IncStaleCompletion("cache_fill")
		c.log.Debug("dropping fill from before invalidation", "key", key)
		return
	}
	c.addLocked(key, p)
}

// addLocked evicts one entry before inserting a new key into a full cache.
func (c *Cache) addLocked(key string, p *Payload) {
	if !c.entries.Contains(key) && c.entries.Len() >= c.max {
		if old, _, ok := c.entries.RemoveOldest(); ok {
			observability.IncLayerCacheEviction()
			c.log.Debug("layer cache evicted", "key", old, "policy", string(c.policy))
		}
	}
	c.entries.Add(key, p)
	observability.SetLayerCacheEntries(c.entries.Len())
}

// Put stores p directly, replacing any existing entry for its key.
func (c *Cache) Put(p *Payload) {
	if p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(keys.LayerKey(p.DatasetID, p.Date), p)
}

// InvalidateAll drops every entry and detaches in-flight fills.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	clear(c.dsGen)
	clear(c.keyGen)
	n := c.entries.Len()
	c.entries.Purge()
	observability.SetLayerCacheEntries(0)
	c.log.Debug("layer cache invalidated", "entries", n, "epoch", c.epoch)
}

// Remove drops one entry and detaches any in-flight fill for it. It
// reports whether the entry existed.
func (c *Cache) Remove(datasetID, date string) bool {
	key := keys.LayerKey(datasetID, date)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyGen[key]++
	ok := c.entries.Remove(key)
	observability.SetLayerCacheEntries(c.entries.Len())
	return ok
}

// RemoveDataset drops every entry of datasetID, detaches its in-flight
// fills and returns how many entries went.
func (c *Cache) RemoveDataset(datasetID string) int {
	prefix := keys.DatasetPrefix(datasetID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dsGen[datasetID]++
	n := 0
	for _, k := range c.entries.Keys() {
		if strings.HasPrefix(k, prefix) && c.entries.Remove(k) {
			n++
		}
	}
	observability.SetLayerCacheEntries(c.entries.Len())
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Keys returns keys oldest first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Keys()
}

func (c *Cache) Policy() Policy { return c.policy }
