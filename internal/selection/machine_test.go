package selection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/oceanview/internal/cache/layercache"
	"github.com/mohammed-shakir/oceanview/internal/core/model"
	"github.com/mohammed-shakir/oceanview/internal/prefs"
)

type fakeCatalog map[string]*model.Region

func (c fakeCatalog) Region(id string) *model.Region { return c[id] }

// gatedFetcher counts fetches per key; keys listed in gates block until
// their channel is closed.
type gatedFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	gates map[string]chan struct{}
	fail  map[string]error
}

func newFetcher() *gatedFetcher {
	return &gatedFetcher{calls: map[string]int{}, gates: map[string]chan struct{}{}, fail: map[string]error{}}
}

func (f *gatedFetcher) gate(ds, date string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[ds+"/"+date] = ch
	return ch
}

func (f *gatedFetcher) count(ds, date string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ds+"/"+date]
}

func (f *gatedFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *gatedFetcher) For(datasetID string, entry model.DateEntry) layercache.Fetcher {
	key := datasetID + "/" + entry.Date
	return func(context.Context) (*layercache.Payload, error) {
		f.mu.Lock()
		f.calls[key]++
		gate := f.gates[key]
		err := f.fail[key]
		f.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if err != nil {
			return nil, err
		}
		return &layercache.Payload{DatasetID: datasetID, Date: entry.Date, ImageURL: "https://tiles.example/" + key + ".png"}, nil
	}
}

func dataset(id string, dates ...string) *model.Dataset {
	ds := &model.Dataset{ID: id, Category: model.CategoryTemperature, ValueKeys: []string{"value"}}
	for _, d := range dates {
		ds.Dates = append(ds.Dates, model.DateEntry{
			Date:   d,
			Layers: map[model.LayerKind]string{model.LayerImage: "img/" + id + "/" + d + ".png"},
			Range:  &model.ValueRange{Min: 0, Max: 30},
		})
	}
	model.SortDatesDesc(ds.Dates)
	return ds
}

func testCatalog() fakeCatalog {
	return fakeCatalog{
		"gom": {
			ID:     "gom",
			Bounds: orb.Bound{Min: orb.Point{-71, 41}, Max: orb.Point{-66, 45}},
			Datasets: []*model.Dataset{
				dataset("sst", "20240101", "20240115"),
				dataset("chl", "20240110"),
				dataset("empty"),
			},
		},
		"gmx": {
			ID:             "gmx",
			Bounds:         orb.Bound{Min: orb.Point{-98, 18}, Max: orb.Point{-80, 31}},
			DefaultDataset: "waves",
			Datasets:       []*model.Dataset{dataset("sst", "20240115"), dataset("waves", "20240114")},
		},
		"arctic": {
			ID:       "arctic",
			Bounds:   orb.Bound{Min: orb.Point{-180, 66}, Max: orb.Point{180, 85}},
			Datasets: []*model.Dataset{dataset("ice", "20240101")},
		},
	}
}

type fixture struct {
	m     *Machine
	cache *layercache.Cache
	f     *gatedFetcher
	prefs *prefs.Memory
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := layercache.New(layercache.Config{MaxEntries: 50, Logger: log})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	fx := &fixture{cache: c, f: newFetcher(), prefs: prefs.NewMemory()}
	cfg := Config{
		Catalog:        testCatalog(),
		Cache:          c,
		Fetcher:        fx.f,
		Prefs:          fx.prefs,
		DefaultDataset: "sst",
		Logger:         log,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	fx.m = m
	return fx
}

func TestSelectRegion_AutoSelectsDefaultAndMostRecentDate(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	if err := fx.m.SelectRegion(ctx, "gom"); err != nil {
		t.Fatalf("SelectRegion: %v", err)
	}
	fx.m.Wait()

	s := fx.m.Snapshot()
	if s.State() != DateSelected || s.Dataset.ID != "sst" || s.Date != "20240115" {
		t.Fatalf("state=%s dataset=%v date=%q", s.State(), s.Dataset, s.Date)
	}
	if s.Range == nil || s.Range.Max != 30 {
		t.Fatalf("range not captured")
	}
	if s.Loading || s.Err != nil || s.LayerData == nil || s.LayerData.Date != "20240115" {
		t.Fatalf("snapshot=%+v", s)
	}
	if fx.f.count("sst", "20240115") != 1 || fx.f.total() != 1 {
		t.Fatalf("only the most recent date may be fetched; calls=%v", fx.f.calls)
	}
	if v, _, _ := fx.prefs.Get(ctx, prefs.KeyLastRegion); v != "gom" {
		t.Fatalf("last region not persisted: %q", v)
	}
	if fx.m.Path() != "/gom/sst/20240115" {
		t.Fatalf("path=%q", fx.m.Path())
	}
}

func TestSelectRegion_DefaultDatasetResolution(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_ = fx.m.SelectRegion(ctx, "gmx")
	if s := fx.m.Snapshot(); s.Dataset == nil || s.Dataset.ID != "waves" {
		t.Fatalf("region default must win over the global default: %+v", s.Dataset)
	}

	_ = fx.m.SelectRegion(ctx, "arctic")
	if s := fx.m.Snapshot(); s.State() != RegionSelected {
		t.Fatalf("region without any default must stop at RegionSelected, got %s", s.State())
	}

	if err := fx.m.SelectRegion(ctx, "atlantis"); !errors.Is(err, ErrUnknownRegion) {
		t.Fatalf("err=%v", err)
	}
}

func TestSelectDataset_EndToEndMostRecentOnly(t *testing.T) {
	fx := newFixture(t, func(c *Config) { c.DefaultDataset = "" })
	ctx := context.Background()

	_ = fx.m.SelectRegion(ctx, "gom")
	if s := fx.m.Snapshot(); s.State() != RegionSelected {
		t.Fatalf("state=%s", s.State())
	}
	if err := fx.m.SelectDataset("sst"); err != nil {
		t.Fatalf("SelectDataset: %v", err)
	}
	fx.m.Wait()

	s := fx.m.Snapshot()
	if s.Date != "20240115" {
		t.Fatalf("date=%q want 20240115", s.Date)
	}
	if fx.f.count("sst", "20240115") != 1 || fx.f.count("sst", "20240101") != 0 {
		t.Fatalf("calls=%v", fx.f.calls)
	}
}

func TestStaleCompletionDoesNotClobberNewerSelection(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	release := fx.f.gate("sst", "20240115")

	_ = fx.m.SelectRegion(ctx, "gom")
	if s := fx.m.Snapshot(); !s.Loading || s.Dataset.ID != "sst" {
		t.Fatalf("expected sst loading: %+v", s)
	}

	if err := fx.m.SelectDataset("chl"); err != nil {
		t.Fatalf("SelectDataset: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for fx.m.Snapshot().Loading && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	want := fx.m.Snapshot()
	if want.Dataset.ID != "chl" || want.LayerData == nil || want.LayerData.DatasetID != "chl" {
		t.Fatalf("chl not applied: %+v", want)
	}

	close(release)
	fx.m.Wait()

	got := fx.m.Snapshot()
	if got.Dataset.ID != "chl" || got.LayerData != want.LayerData || got.Loading || got.Err != nil {
		t.Fatalf("stale sst completion changed state: %+v", got)
	}
	if got.Version != want.Version {
		t.Fatalf("version moved from %d to %d", want.Version, got.Version)
	}
	if _, ok := fx.cache.Lookup("sst", "20240115"); !ok {
		t.Fatalf("stale result may still warm the cache")
	}
}

func TestStaleFailureIsNotSurfaced(t *testing.T) {
	fx := newFixture(t, nil)
	release := fx.f.gate("sst", "20240115")
	fx.f.fail["sst/20240115"] = errors.New("status 503")

	_ = fx.m.SelectRegion(context.Background(), "gom")
	_ = fx.m.SelectDataset("chl")
	close(release)
	fx.m.Wait()

	if s := fx.m.Snapshot(); s.Err != nil {
		t.Fatalf("stale failure surfaced: %v", s.Err)
	}
}

func TestCurrentFailureIsSurfaced(t *testing.T) {
	fx := newFixture(t, nil)
	fx.f.fail["sst/20240115"] = errors.New("status 503")

	_ = fx.m.SelectRegion(context.Background(), "gom")
	fx.m.Wait()

	s := fx.m.Snapshot()
	if s.Err == nil || s.Loading || s.LayerData != nil {
		t.Fatalf("snapshot=%+v", s)
	}
	if _, ok := fx.cache.Lookup("sst", "20240115"); ok {
		t.Fatalf("failure must not be cached")
	}
}

func TestRegionSwitchClearsCache(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_ = fx.m.SelectRegion(ctx, "gom")
	fx.m.Wait()
	if _, ok := fx.cache.Lookup("sst", "20240115"); !ok {
		t.Fatalf("payload must be cached")
	}

	_ = fx.m.SelectRegion(ctx, "gmx")
	fx.m.Wait()
	if _, ok := fx.cache.Lookup("sst", "20240115"); ok {
		t.Fatalf("region switch must drop old entries")
	}

	var calls int
	_, err := fx.cache.GetOrFetch(ctx, "sst", "20240115", func(context.Context) (*layercache.Payload, error) {
		calls++
		return &layercache.Payload{DatasetID: "sst", Date: "20240115"}, nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("key from old region must re-fetch: calls=%d err=%v", calls, err)
	}
}

func TestSelectDate_ServesCachedHitSynchronously(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	_ = fx.m.SelectRegion(ctx, "gom")
	fx.m.Wait()

	fx.cache.Put(&layercache.Payload{DatasetID: "sst", Date: "20240101", ImageURL: "cached"})
	if err := fx.m.SelectDate("20240101"); err != nil {
		t.Fatalf("SelectDate: %v", err)
	}
	s := fx.m.Snapshot()
	if s.Loading || s.LayerData == nil || s.LayerData.ImageURL != "cached" {
		t.Fatalf("cached hit must apply without loading: %+v", s)
	}
	if fx.f.count("sst", "20240101") != 0 {
		t.Fatalf("cached date must not be fetched")
	}

	if err := fx.m.SelectDate("19990101"); !errors.Is(err, ErrUnknownDate) {
		t.Fatalf("err=%v", err)
	}
}

func TestTransitionGuards(t *testing.T) {
	fx := newFixture(t, nil)
	if err := fx.m.SelectDataset("sst"); !errors.Is(err, ErrNoRegion) {
		t.Fatalf("err=%v", err)
	}
	if err := fx.m.SelectDate("20240115"); !errors.Is(err, ErrNoDataset) {
		t.Fatalf("err=%v", err)
	}
	_ = fx.m.SelectRegion(context.Background(), "arctic")
	if err := fx.m.SelectDataset("sst"); !errors.Is(err, ErrUnknownDataset) {
		t.Fatalf("err=%v", err)
	}
	if err := fx.m.SelectDataset("ice"); err != nil {
		t.Fatalf("SelectDataset: %v", err)
	}

	fx.m.Deselect()
	if s := fx.m.Snapshot(); s.State() != NoRegion || s.Dataset != nil || s.Date != "" {
		t.Fatalf("deselect must clear everything: %+v", s)
	}
}

func TestSelectDataset_WithoutDates(t *testing.T) {
	fx := newFixture(t, nil)
	_ = fx.m.SelectRegion(context.Background(), "gom")
	fx.m.Wait()
	if err := fx.m.SelectDataset("empty"); err != nil {
		t.Fatalf("SelectDataset: %v", err)
	}
	if s := fx.m.Snapshot(); s.State() != DatasetSelected || s.LayerData != nil || s.Loading {
		t.Fatalf("snapshot=%+v", s)
	}
}

func TestNavigateAndInit(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	if err := fx.m.Init(ctx, "/gom/sst/20240101"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	fx.m.Wait()
	if fx.m.Path() != "/gom/sst/20240101" {
		t.Fatalf("path=%q", fx.m.Path())
	}
	if fx.f.count("sst", "20240101") != 1 || fx.f.total() != 1 {
		t.Fatalf("only the url date may be fetched: %v", fx.f.calls)
	}

	if err := fx.m.Navigate(ctx, "/gom/chl"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if fx.m.Path() != "/gom/chl/20240110" {
		t.Fatalf("path=%q", fx.m.Path())
	}
	if err := fx.m.Navigate(ctx, "/gom/nope"); !errors.Is(err, ErrUnknownDataset) {
		t.Fatalf("err=%v", err)
	}
	if err := fx.m.Navigate(ctx, "/gmx/waves/19990101"); !errors.Is(err, ErrUnknownDate) {
		t.Fatalf("err=%v", err)
	}
	if fx.m.Path() != "/gom/chl/20240110" {
		t.Fatalf("rejected route must not change the selection: %q", fx.m.Path())
	}
	if err := fx.m.Navigate(ctx, "/"); err != nil || fx.m.Path() != "/" {
		t.Fatalf("deselect via path: %v %q", err, fx.m.Path())
	}
	if err := fx.m.Navigate(ctx, "/a/b/c/d"); err == nil {
		t.Fatalf("too many segments must fail")
	}
}

func TestInit_RouteAppliedAsOneTransition(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	release := fx.f.gate("chl", "20240110")

	if err := fx.m.Init(ctx, "/gom/chl/20240110"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	s := fx.m.Snapshot()
	if s.Version != 1 || !s.Loading || s.Path() != "/gom/chl/20240110" {
		t.Fatalf("want one published transition, got version=%d loading=%v path=%q", s.Version, s.Loading, s.Path())
	}

	close(release)
	fx.m.Wait()
	if s := fx.m.Snapshot(); s.Version != 2 || s.LayerData == nil {
		t.Fatalf("completion must publish once more: version=%d data=%v", s.Version, s.LayerData)
	}
	if fx.f.count("chl", "20240110") != 1 || fx.f.total() != 1 {
		t.Fatalf("defaults overridden by the route must not be fetched: %v", fx.f.calls)
	}
	if v, _, _ := fx.prefs.Get(ctx, prefs.KeyLastRegion); v != "gom" {
		t.Fatalf("last region not persisted: %q", v)
	}
}

func TestSupersededFetchOfSameDateIsStale(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	release := fx.f.gate("sst", "20240115")

	_ = fx.m.SelectRegion(ctx, "gom")
	deadline := time.Now().Add(time.Second)
	for fx.f.count("sst", "20240115") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	fx.f.mu.Lock()
	delete(fx.f.gates, "sst/20240115")
	fx.f.mu.Unlock()

	fx.cache.Remove("sst", "20240115")
	if err := fx.m.SelectDate("20240115"); err != nil {
		t.Fatalf("SelectDate: %v", err)
	}
	for fx.m.Snapshot().Loading && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	reloaded, ok := fx.cache.Lookup("sst", "20240115")
	if !ok || fx.m.Snapshot().LayerData != reloaded {
		t.Fatalf("reload not applied: cached=%v", ok)
	}

	close(release)
	fx.m.Wait()
	if got := fx.m.Snapshot().LayerData; got != reloaded {
		t.Fatalf("superseded fetch replaced the reloaded payload")
	}
	if p, _ := fx.cache.Lookup("sst", "20240115"); p != reloaded {
		t.Fatalf("superseded fill overwrote the cache")
	}
	if n := fx.f.count("sst", "20240115"); n != 2 {
		t.Fatalf("fetches=%d want 2", n)
	}
}

func TestInit_RestoresLastRegionOnlyWithoutPath(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	_ = fx.prefs.Set(ctx, prefs.KeyLastRegion, "gmx")

	if err := fx.m.Init(ctx, ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if s := fx.m.Snapshot(); s.Region == nil || s.Region.ID != "gmx" {
		t.Fatalf("last region not restored: %+v", s.Region)
	}

	other := newFixture(t, nil)
	_ = other.prefs.Set(ctx, prefs.KeyLastRegion, "gmx")
	if err := other.m.Init(ctx, "/gom"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if s := other.m.Snapshot(); s.Region.ID != "gom" {
		t.Fatalf("url must win over preference: %s", s.Region.ID)
	}

	third := newFixture(t, nil)
	_ = third.prefs.Set(ctx, prefs.KeyLastRegion, "gone")
	if err := third.m.Init(ctx, ""); err != nil || third.m.Snapshot().Region != nil {
		t.Fatalf("unknown stored region must be ignored")
	}
}

func TestSubscribe_DeliversLatestInOrder(t *testing.T) {
	fx := newFixture(t, nil)
	ch, unsubscribe := fx.m.Subscribe()
	defer unsubscribe()

	first := <-ch
	if first.State() != NoRegion {
		t.Fatalf("initial snapshot state=%s", first.State())
	}
	_ = fx.m.SelectRegion(context.Background(), "gom")
	fx.m.Wait()

	var last Snapshot
	deadline := time.After(time.Second)
	for last.LayerData == nil {
		select {
		case s := <-ch:
			if s.Version <= last.Version {
				t.Fatalf("versions must increase: %d after %d", s.Version, last.Version)
			}
			last = s
		case <-deadline:
			t.Fatalf("no snapshot with layer data; last=%+v", last)
		}
	}
	if last.Version != fx.m.Snapshot().Version {
		t.Fatalf("latest snapshot not delivered")
	}
}

func TestPrefetchWarmsRegionAndStopsOnSwitch(t *testing.T) {
	fx := newFixture(t, func(c *Config) {
		c.Prefetch = true
		c.PrefetchOpts = layercache.PrefetchOptions{BatchSize: 5}
	})
	_ = fx.m.SelectRegion(context.Background(), "gom")
	fx.m.Wait()

	for _, k := range [][2]string{{"sst", "20240101"}, {"sst", "20240115"}, {"chl", "20240110"}} {
		if _, ok := fx.cache.Lookup(k[0], k[1]); !ok {
			t.Fatalf("%v not prefetched", k)
		}
	}
	if fx.f.count("sst", "20240115") != 1 {
		t.Fatalf("foreground fetch and prefetch must share one request: %v", fx.f.calls)
	}
}

func TestSetCursorAndClose(t *testing.T) {
	fx := newFixture(t, nil)
	v := fx.m.Snapshot().Version
	fx.m.SetCursor(orb.Point{-70, 42})
	s := fx.m.Snapshot()
	if s.Cursor == nil || *s.Cursor != (orb.Point{-70, 42}) || s.Version != v {
		t.Fatalf("cursor=%v version=%d", s.Cursor, s.Version)
	}
	fx.m.ClearCursor()
	if fx.m.Snapshot().Cursor != nil {
		t.Fatalf("cursor not cleared")
	}

	ch, _ := fx.m.Subscribe()
	<-ch
	fx.m.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("subscription must be closed")
	}
	if err := fx.m.SelectRegion(context.Background(), "gom"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v", err)
	}
}
