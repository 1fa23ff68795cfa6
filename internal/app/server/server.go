// Package server assembles the viewer engine and serves it over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/oceanview/internal/cache/layercache"
	"github.com/mohammed-shakir/oceanview/internal/cache/redisstore"
	"github.com/mohammed-shakir/oceanview/internal/catalog"
	"github.com/mohammed-shakir/oceanview/internal/conditions"
	"github.com/mohammed-shakir/oceanview/internal/core/config"
	"github.com/mohammed-shakir/oceanview/internal/core/health"
	"github.com/mohammed-shakir/oceanview/internal/core/httpclient"
	"github.com/mohammed-shakir/oceanview/internal/core/router"
	coreserver "github.com/mohammed-shakir/oceanview/internal/core/server"
	"github.com/mohammed-shakir/oceanview/internal/hitevents"
	"github.com/mohammed-shakir/oceanview/internal/invalidation"
	"github.com/mohammed-shakir/oceanview/internal/layerfetch"
	h3mapper "github.com/mohammed-shakir/oceanview/internal/mapper/h3"
	"github.com/mohammed-shakir/oceanview/internal/metrics"
	"github.com/mohammed-shakir/oceanview/internal/prefs"
	"github.com/mohammed-shakir/oceanview/internal/render"
	"github.com/mohammed-shakir/oceanview/internal/render/memtarget"
	"github.com/mohammed-shakir/oceanview/internal/sampler"
	"github.com/mohammed-shakir/oceanview/internal/selection"
	"github.com/mohammed-shakir/oceanview/internal/viewer"
	"github.com/mohammed-shakir/oceanview/pkg/invalidation/kafka"
)

const selectionEventsQueue = 1024

type Options struct {
	// InitialPath is applied once at startup; empty restores the stored
	// region preference.
	InitialPath string
	Metrics     *metrics.Provider
}

// App holds the wired engine. Close releases everything Build opened.
type App struct {
	Catalog    *catalog.Catalog
	Cache      *layercache.Cache
	Selection  *selection.Machine
	Viewer     *viewer.Viewer
	Conditions *conditions.Service
	Runner     *kafka.Runner

	log     *slog.Logger
	cfg     config.Config
	checks  []health.Check
	closers []func() error
}

// Build loads the catalog and wires the cache, selection machine, viewer
// and optional dependencies. An unreachable Redis degrades to uncached
// conditions lookups; a catalog failure is fatal.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger, opts Options) (*App, error) {
	a := &App{log: log, cfg: cfg}
	hc := httpclient.NewOutbound(cfg.FetchTimeout)

	cc, err := catalog.NewClient(cfg.CatalogURL, hc, log)
	if err != nil {
		return nil, err
	}
	cat, err := cc.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	a.Catalog = cat

	a.Cache, err = layercache.New(layercache.Config{
		MaxEntries: cfg.LayerCacheMax,
		Policy:     layercache.ParsePolicy(cfg.LayerCachePolicy),
		Logger:     log.With("component", "layercache"),
	})
	if err != nil {
		return nil, err
	}

	store, err := openPrefs(ctx, cfg.PrefsDSN)
	if err != nil {
		return nil, err
	}
	if s, ok := store.(*prefs.SQLite); ok {
		a.closers = append(a.closers, s.Close)
		a.checks = append(a.checks, health.Check{Name: "prefs", Probe: s.Ping})
	}

	a.Selection, err = selection.New(selection.Config{
		Catalog:        cat,
		Cache:          a.Cache,
		Fetcher:        layerfetch.New(hc, log.With("component", "layerfetch")),
		Prefs:          store,
		DefaultDataset: cfg.DefaultDataset,
		Prefetch:       cfg.PrefetchEnabled,
		PrefetchOpts:   layercache.PrefetchOptions{BatchSize: cfg.PrefetchBatch, Delay: cfg.PrefetchDelay},
		Logger:         log.With("component", "selection"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	vp := render.NewViewport(orb.Point{0, 0}, cfg.ViewportZoom, cfg.ViewportWidth, cfg.ViewportHeight)
	target := memtarget.New(vp)
	target.SetReady(true)
	a.Viewer = viewer.New(viewer.Config{
		Selection:       a.Selection,
		Target:          target,
		Viewport:        vp,
		Sampler:         sampler.New(vp, target, log.With("component", "sampler")),
		RadiusPx:        cfg.SampleRadiusPx,
		TooltipRadiusPx: cfg.TooltipRadiusPx,
		Stream:          sampler.StreamConfig{Interval: cfg.SampleInterval},
		HysteresisDeg:   cfg.HysteresisDeg,
		Logger:          log.With("component", "viewer"),
	})

	if cfg.ConditionsURL != "" {
		if err := a.buildConditions(ctx, hc); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Runner = kafka.New(kafka.FromConfig(cfg.Invalidation), a.Cache, kafka.Options{
		Logger:   log.With("component", "invalidation"),
		Register: registerer(opts.Metrics),
		OnApply:  a.reloadIfShown,
	})
	return a, nil
}

func openPrefs(ctx context.Context, dsn string) (prefs.Store, error) {
	if dsn == "" {
		return prefs.NewMemory(), nil
	}
	s, err := prefs.OpenSQLite(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open prefs: %w", err)
	}
	return s, nil
}

func (a *App) buildConditions(ctx context.Context, hc *http.Client) error {
	ccfg := conditions.Config{
		BaseURL:   a.cfg.ConditionsURL,
		TTL:       a.cfg.ConditionsTTL,
		Res:       a.cfg.ConditionsH3Res,
		OpTimeout: a.cfg.CacheOpTimeout,
		HTTP:      hc,
		Mapper:    h3mapper.New(),
		Logger:    a.log.With("component", "conditions"),
	}
	rc, err := redisstore.New(ctx, a.cfg.RedisAddr,
		redisstore.WithPoolSize(8),
		redisstore.WithDialTimeout(2*time.Second),
		redisstore.WithReadTimeout(a.cfg.CacheOpTimeout),
	)
	if err != nil {
		a.log.Warn("redis unavailable; conditions lookups will not be cached", "addr", a.cfg.RedisAddr, "err", err)
	} else {
		ccfg.Store = rc
		a.closers = append(a.closers, rc.Close)
		a.checks = append(a.checks, health.Check{Name: "redis", Probe: rc.Ping, Optional: true})
	}
	svc, err := conditions.New(ccfg)
	if err != nil {
		return err
	}
	a.Conditions = svc
	return nil
}

func registerer(p *metrics.Provider) prometheus.Registerer {
	if p == nil {
		return nil
	}
	return p.Registerer()
}

// reloadIfShown re-selects the current date when an applied invalidation
// covered it, so the dropped payload is fetched again.
func (a *App) reloadIfShown(ev invalidation.Event) {
	s := a.Selection.Snapshot()
	if s.Dataset == nil || s.Date == "" || !affects(ev, s.Dataset.ID, s.Date) {
		return
	}
	if err := a.Selection.SelectDate(s.Date); err != nil {
		a.log.Warn("reload after invalidation failed", "dataset", s.Dataset.ID, "date", s.Date, "err", err)
		return
	}
	a.log.Info("reloading invalidated layer", "dataset", s.Dataset.ID, "date", s.Date, "version", ev.Version)
}

func affects(ev invalidation.Event, datasetID, date string) bool {
	switch ev.Op {
	case invalidation.OpAll:
		return true
	case invalidation.OpDataset:
		return ev.DatasetID == datasetID
	case invalidation.OpLayer:
		return ev.DatasetID == datasetID && ev.Date == date
	default:
		return false
	}
}

// Handler builds the HTTP API over the wired engine.
func (a *App) Handler(metricsHandler http.Handler) http.Handler {
	d := router.Deps{
		Logger:    a.log,
		Catalog:   a.Catalog,
		Selection: a.Selection,
		Viewer:    a.Viewer,
		Ready:     a.Runner,
		Checks:    a.checks,
		Metrics:   metricsHandler,
	}
	if a.Conditions != nil {
		d.Conditions = a.Conditions
	}
	return router.New(d)
}

// Close stops background work and releases stores. Safe to call twice.
func (a *App) Close() {
	if a.Runner != nil {
		a.Runner.Stop()
	}
	if a.Selection != nil {
		a.Selection.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}

// Run builds the engine, starts the background consumers and serves the
// API on cfg.Addr until ctx ends.
func Run(ctx context.Context, cfg config.Config, log *slog.Logger, opts Options) error {
	a, err := Build(ctx, cfg, log, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Runner.Start(ctx); err != nil {
		return fmt.Errorf("start invalidation: %w", err)
	}

	viewDone := make(chan struct{})
	go func() {
		defer close(viewDone)
		a.Viewer.Run(ctx)
	}()

	if cfg.SelectionEventsTopic != "" {
		pub, err := hitevents.NewPublisher(config.Brokers(cfg.KafkaBrokers), cfg.SelectionEventsTopic, selectionEventsQueue, log.With("component", "hitevents"))
		if err != nil {
			log.Warn("selection events disabled", "topic", cfg.SelectionEventsTopic, "err", err)
		} else {
			snaps, unsubscribe := a.Selection.Subscribe()
			fwdDone := make(chan struct{})
			go func() {
				defer close(fwdDone)
				pub.Forward(ctx, snaps)
			}()
			// the forwarder must be gone before the queue closes
			defer func() {
				unsubscribe()
				<-fwdDone
				_ = pub.Close()
			}()
		}
	}

	if err := a.Selection.Init(ctx, opts.InitialPath); err != nil {
		log.Warn("initial selection rejected", "path", opts.InitialPath, "err", err)
	}

	var mh http.Handler
	if opts.Metrics != nil {
		mh = opts.Metrics.Handler()
	}
	err = coreserver.Run(ctx, cfg.Addr, log, a.Handler(mh))
	a.Selection.Close()
	<-viewDone
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
