package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/oceanview/internal/cache/layercache"
	"github.com/mohammed-shakir/oceanview/internal/core/model"
	"github.com/mohammed-shakir/oceanview/internal/core/observability"
	"github.com/mohammed-shakir/oceanview/internal/prefs"
)

type Catalog interface {
	Region(id string) *model.Region
}

// LayerFetcher builds the cache fetcher for one dataset date.
type LayerFetcher interface {
	For(datasetID string, entry model.DateEntry) layercache.Fetcher
}

type Config struct {
	Catalog Catalog
	Cache   *layercache.Cache
	Fetcher LayerFetcher
	Prefs   prefs.Store
	// DefaultDataset is selected after a region change when the region
	// does not name its own default.
	DefaultDataset string
	Prefetch       bool
	PrefetchOpts   layercache.PrefetchOptions
	Logger         *slog.Logger
}

type Machine struct {
	cat      Catalog
	cache    *layercache.Cache
	fetcher  LayerFetcher
	prefs    prefs.Store
	fallback string
	prefetch bool
	pfOpts   layercache.PrefetchOptions
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	cur         Snapshot
	initialized bool
	closed      bool
	// fetchSeq identifies the latest date selection; older fetch
	// completions are discarded.
	fetchSeq       uint64
	prefetchCancel context.CancelFunc
	subs           map[int]chan Snapshot
	nextSub        int
}

func New(cfg Config) (*Machine, error) {
	if cfg.Catalog == nil || cfg.Cache == nil || cfg.Fetcher == nil {
		return nil, errors.New("selection: catalog, cache and fetcher are required")
	}
	if cfg.Prefs == nil {
		cfg.Prefs = prefs.NewMemory()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		cat:      cfg.Catalog,
		cache:    cfg.Cache,
		fetcher:  cfg.Fetcher,
		prefs:    cfg.Prefs,
		fallback: cfg.DefaultDataset,
		prefetch: cfg.Prefetch,
		pfOpts:   cfg.PrefetchOpts,
		log:      cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		subs:     map[int]chan Snapshot{},
	}, nil
}

// Init applies the initial path. With an empty path the last region stored
// in preferences is restored instead; this happens on the first call only.
func (m *Machine) Init(ctx context.Context, path string) error {
	r, err := ParsePath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	first := !m.initialized
	m.initialized = true
	m.mu.Unlock()

	if r.Region != "" || !first {
		return m.apply(ctx, r)
	}
	id, ok, err := m.prefs.Get(ctx, prefs.KeyLastRegion)
	if err != nil {
		m.log.Warn("reading last region failed", "err", err)
		return nil
	}
	if !ok || m.cat.Region(id) == nil {
		return nil
	}
	m.log.Info("restoring last region", "region", id)
	return m.SelectRegion(ctx, id)
}

// Navigate drives the machine from a path. Segments naming the current
// selection are left alone; an empty path deselects.
func (m *Machine) Navigate(ctx context.Context, path string) error {
	r, err := ParsePath(path)
	if err != nil {
		return err
	}
	return m.apply(ctx, r)
}

// apply moves to the route in one step: every segment is resolved first,
// then the whole transition runs under the lock and publishes a single
// snapshot. A route naming a dataset or date skips the defaults it
// overrides. An unresolvable segment leaves the selection unchanged.
func (m *Machine) apply(ctx context.Context, r Route) error {
	if r.Region == "" {
		m.Deselect()
		return nil
	}
	region := m.cat.Region(r.Region)
	if region == nil {
		return fmt.Errorf("%w: %q", ErrUnknownRegion, r.Region)
	}
	var ds *model.Dataset
	if r.Dataset != "" {
		if ds = region.Dataset(r.Dataset); ds == nil {
			return fmt.Errorf("%w: %q in %q", ErrUnknownDataset, r.Dataset, region.ID)
		}
	}
	var entry model.DateEntry
	if r.Date != "" {
		var ok bool
		if entry, ok = ds.Entry(r.Date); !ok {
			return fmt.Errorf("%w: %q in %q", ErrUnknownDate, r.Date, ds.ID)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	regionChanged := m.cur.Region == nil || m.cur.Region.ID != region.ID
	changed := regionChanged
	if regionChanged {
		m.selectRegionLocked(region, ds == nil)
	}
	if ds != nil && (m.cur.Dataset == nil || m.cur.Dataset.ID != ds.ID) {
		m.selectDatasetLocked(ds, r.Date == "")
		changed = true
	}
	if r.Date != "" && m.cur.Date != r.Date {
		m.selectEntryLocked(entry)
		changed = true
	}
	if changed {
		m.notifyLocked()
	}
	m.mu.Unlock()

	if regionChanged {
		m.persistRegion(ctx, region.ID)
	}
	return nil
}

// Path renders the current selection.
func (m *Machine) Path() string { return m.Snapshot().Path() }

// SelectRegion clears every descendant, persists the choice, drops the
// layer cache when the region changed and auto-selects the default
// dataset.
func (m *Machine) SelectRegion(ctx context.Context, id string) error {
	region := m.cat.Region(id)
	if region == nil {
		return fmt.Errorf("%w: %q", ErrUnknownRegion, id)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.selectRegionLocked(region, true)
	m.notifyLocked()
	m.mu.Unlock()

	m.persistRegion(ctx, region.ID)
	return nil
}

func (m *Machine) persistRegion(ctx context.Context, id string) {
	if err := m.prefs.Set(ctx, prefs.KeyLastRegion, id); err != nil {
		m.log.Warn("persisting last region failed", "region", id, "err", err)
	}
}

// selectRegionLocked clears descendants of region. With autoAdvance the
// default dataset and its most recent date follow.
func (m *Machine) selectRegionLocked(region *model.Region, autoAdvance bool) {
	changed := m.cur.Region == nil || m.cur.Region.ID != region.ID
	m.clearLocked(region)
	if changed {
		m.cache.InvalidateAll()
		m.restartPrefetchLocked(region)
	}
	if !autoAdvance {
		return
	}
	if def := m.defaultDatasetFor(region); def != nil {
		m.selectDatasetLocked(def, true)
		return
	}
	m.log.Warn("no default dataset for region", "region", region.ID, "fallback", m.fallback)
}

func (m *Machine) defaultDatasetFor(r *model.Region) *model.Dataset {
	for _, id := range []string{r.DefaultDataset, m.fallback} {
		if id == "" {
			continue
		}
		if ds := r.Dataset(id); ds != nil {
			return ds
		}
	}
	return nil
}

// SelectDataset clears the date and selects the most recent one.
func (m *Machine) SelectDataset(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.cur.Region == nil {
		return ErrNoRegion
	}
	ds := m.cur.Region.Dataset(id)
	if ds == nil {
		return fmt.Errorf("%w: %q in %q", ErrUnknownDataset, id, m.cur.Region.ID)
	}
	m.selectDatasetLocked(ds, true)
	m.notifyLocked()
	return nil
}

func (m *Machine) selectDatasetLocked(ds *model.Dataset, pickLatest bool) {
	m.cur.Dataset = ds
	m.cur.Date = ""
	m.cur.Range = nil
	m.cur.LayerData = nil
	m.cur.Loading = false
	m.cur.Err = nil
	m.fetchSeq++

	if !pickLatest {
		return
	}
	if entry, ok := ds.MostRecent(); ok {
		m.selectEntryLocked(entry)
	}
}

// SelectDate switches to date within the current dataset.
func (m *Machine) SelectDate(date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.cur.Dataset == nil {
		return ErrNoDataset
	}
	entry, ok := m.cur.Dataset.Entry(date)
	if !ok {
		return fmt.Errorf("%w: %q in %q", ErrUnknownDate, date, m.cur.Dataset.ID)
	}
	m.selectEntryLocked(entry)
	m.notifyLocked()
	return nil
}

// selectEntryLocked captures the entry's range and serves the payload from
// the cache or starts a fetch. The caller publishes the change.
func (m *Machine) selectEntryLocked(entry model.DateEntry) {
	ds := m.cur.Dataset
	m.cur.Date = entry.Date
	m.cur.Range = entry.Range
	m.cur.Err = nil
	m.fetchSeq++

	if p, ok := m.cache.Lookup(ds.ID, entry.Date); ok {
		observability.ObserveLayerCache("hit")
		m.cur.LayerData = p
		m.cur.Loading = false
		return
	}

	m.cur.LayerData = nil
	m.cur.Loading = true

	seq := m.fetchSeq
	regionID := m.cur.Region.ID
	fetch := m.fetcher.For(ds.ID, entry)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		p, err := m.cache.GetOrFetch(m.ctx, ds.ID, entry.Date, fetch)
		m.complete(seq, regionID, ds.ID, entry.Date, p, err)
	}()
}

// complete applies a fetch result only if it belongs to the latest
// selection request; a superseded fetch of the same date is stale too.
func (m *Machine) complete(seq uint64, regionID, datasetID, date string, p *layercache.Payload, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || seq != m.fetchSeq || m.cur.Region == nil || m.cur.Dataset == nil ||
		m.cur.Region.ID != regionID || m.cur.Dataset.ID != datasetID || m.cur.Date != date {
		observability.IncStaleCompletion("fetch")
		m.log.Debug("discarding stale layer fetch", "region", regionID, "dataset", datasetID, "date", date, "err", err)
		return
	}
	m.cur.Loading = false
	if err != nil {
		m.log.Warn("layer fetch failed", "region", regionID, "dataset", datasetID, "date", date, "err", err)
		m.cur.Err = err
		m.cur.LayerData = nil
	} else {
		m.cur.Err = nil
		m.cur.LayerData = p
	}
	m.notifyLocked()
}

// Deselect returns to NoRegion.
func (m *Machine) Deselect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.cur.Region == nil {
		return
	}
	m.clearLocked(nil)
	if m.prefetchCancel != nil {
		m.prefetchCancel()
		m.prefetchCancel = nil
	}
	m.notifyLocked()
}

func (m *Machine) clearLocked(region *model.Region) {
	m.fetchSeq++
	m.cur.Region = region
	m.cur.Dataset = nil
	m.cur.Date = ""
	m.cur.Range = nil
	m.cur.LayerData = nil
	m.cur.Loading = false
	m.cur.Err = nil
}

// SetCursor records the cursor position. It does not bump the version.
func (m *Machine) SetCursor(p orb.Point) {
	m.mu.Lock()
	m.cur.Cursor = &p
	m.mu.Unlock()
}

func (m *Machine) ClearCursor() {
	m.mu.Lock()
	m.cur.Cursor = nil
	m.mu.Unlock()
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Subscribe delivers snapshots after every change. A slow subscriber only
// ever sees the latest snapshot. The returned func unsubscribes.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Snapshot, 1)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.cur
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Machine) notifyLocked() {
	m.cur.Version++
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- m.cur
	}
}

func (m *Machine) restartPrefetchLocked(region *model.Region) {
	if m.prefetchCancel != nil {
		m.prefetchCancel()
		m.prefetchCancel = nil
	}
	if !m.prefetch {
		return
	}
	var items []layercache.Item
	for _, ds := range region.Datasets {
		for _, e := range ds.Dates {
			items = append(items, layercache.Item{DatasetID: ds.ID, Date: e.Date, Fetch: m.fetcher.For(ds.ID, e)})
		}
	}
	if len(items) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.prefetchCancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		st := m.cache.Prefetch(ctx, items, m.pfOpts)
		m.log.Debug("region prefetch done", "region", region.ID, "fetched", st.Fetched, "cancelled", st.Cancelled)
	}()
}

// Wait blocks until outstanding fetches and prefetches have finished.
func (m *Machine) Wait() { m.wg.Wait() }

// Close cancels background work and closes subscriptions.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancel()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
