// Package viewer keeps the render target, viewport and cursor samplers in
// step with the selection.
package viewer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/oceanview/internal/layersync"
	"github.com/mohammed-shakir/oceanview/internal/render"
	"github.com/mohammed-shakir/oceanview/internal/sampler"
	"github.com/mohammed-shakir/oceanview/internal/selection"
)

// Selection is the part of the selection machine the viewer reads.
type Selection interface {
	Subscribe() (<-chan selection.Snapshot, func())
	Snapshot() selection.Snapshot
	SetCursor(p orb.Point)
	ClearCursor()
}

type Config struct {
	Selection Selection
	Target    render.Target
	Viewport  *render.Viewport
	Sampler   *sampler.Sampler

	// RadiusPx and TooltipRadiusPx bound the primary readout and tooltip
	// feature searches.
	RadiusPx        float64
	TooltipRadiusPx float64
	Stream          sampler.StreamConfig
	HysteresisDeg   float64
	Styles          map[string]layersync.Style
	Logger          *slog.Logger
}

// CursorReading is the outcome of one cursor update.
type CursorReading struct {
	Cursor       orb.Point
	Value        float64
	OK           bool
	Tooltip      float64
	TooltipOK    bool
	TooltipHeld  bool
	Unit         string
	Generation   uint64
	SelectionVer uint64
}

type Viewer struct {
	sel     Selection
	sync    *layersync.Synchronizer
	view    *render.Viewport
	primary *sampler.Stream
	tooltip *sampler.Stream
	radius  float64
	tipRad  float64
	log     *slog.Logger

	mu       sync.Mutex
	styles   map[string]layersync.Style
	region   string
	sampled  string
	unit     string
	last     selection.Snapshot
	lastSeen bool
}

func New(cfg Config) *Viewer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RadiusPx <= 0 {
		cfg.RadiusPx = sampler.DefaultRadiusPx
	}
	if cfg.TooltipRadiusPx <= 0 {
		cfg.TooltipRadiusPx = sampler.TooltipRadiusPx
	}
	styles := make(map[string]layersync.Style, len(layersync.DefaultStyles))
	for k, v := range layersync.DefaultStyles {
		styles[k] = v
	}
	for k, v := range cfg.Styles {
		styles[k] = v
	}

	primaryCfg := cfg.Stream
	primaryCfg.Hysteresis = 0
	tipCfg := cfg.Stream
	tipCfg.Hysteresis = cfg.HysteresisDeg

	return &Viewer{
		sel:     cfg.Selection,
		sync:    layersync.New(cfg.Target, cfg.Logger),
		view:    cfg.Viewport,
		primary: cfg.Sampler.NewStream(sampler.Request{RadiusPx: cfg.RadiusPx, Policy: sampler.PolicyIDW}, primaryCfg),
		tooltip: cfg.Sampler.NewStream(sampler.Request{RadiusPx: cfg.TooltipRadiusPx, Policy: sampler.PolicyCluster}, tipCfg),
		radius:  cfg.RadiusPx,
		tipRad:  cfg.TooltipRadiusPx,
		log:     cfg.Logger,
		styles:  styles,
	}
}

// Run applies selection snapshots until ctx ends or the selection closes,
// then tears the layers down.
func (v *Viewer) Run(ctx context.Context) {
	snaps, unsubscribe := v.sel.Subscribe()
	defer unsubscribe()
	defer v.sync.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snaps:
			if !ok {
				return
			}
			v.Apply(s)
		}
	}
}

// Apply brings the render target and samplers in line with s. Snapshots
// older than the last applied one are ignored.
func (v *Viewer) Apply(s selection.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lastSeen && s.Version < v.last.Version {
		return
	}
	v.last, v.lastSeen = s, true

	regionID := ""
	if s.Region != nil {
		regionID = s.Region.ID
	}
	if regionID != v.region {
		v.region = regionID
		if s.Region != nil && v.view != nil {
			v.view.FitBound(s.Region.Bounds)
		}
	}

	specs := layersync.Specs(layersync.Input{
		Region:  s.Region,
		Dataset: s.Dataset,
		Date:    s.Date,
		Range:   s.Range,
		Payload: s.LayerData,
	}, v.styles)
	v.sync.Sync(s.Version, specs)

	v.retargetLocked(s, false)
}

// retargetLocked points both samplers at the data layer of the current
// dataset date.
func (v *Viewer) retargetLocked(s selection.Snapshot, force bool) {
	key := ""
	var valueKeys []string
	unit := ""
	if s.Dataset != nil && s.Date != "" && s.LayerData != nil && s.LayerData.Data != nil {
		key = layersync.DataLayerID(s.Dataset.ID, s.Date)
		valueKeys = s.Dataset.ValueKeys
		unit = s.Dataset.Unit
	}
	if key == v.sampled && !force {
		return
	}
	v.sampled, v.unit = key, unit
	var layers []string
	if key != "" {
		layers = []string{key}
	}
	v.primary.SetRequest(sampler.Request{ValueKeys: valueKeys, LayerIDs: layers, RadiusPx: v.radius, Policy: sampler.PolicyIDW})
	v.tooltip.SetRequest(sampler.Request{ValueKeys: valueKeys, LayerIDs: layers, RadiusPx: v.tipRad, Policy: sampler.PolicyCluster})
}

// Cursor records the cursor and samples the primary readout and the
// tooltip at p. Throttled moves report the previous readings.
func (v *Viewer) Cursor(ctx context.Context, p orb.Point) CursorReading {
	v.sel.SetCursor(p)

	prim, ok := v.primary.Move(ctx, p)
	if !ok {
		prim = v.primary.Current()
	}
	tip, ok := v.tooltip.Move(ctx, p)
	if !ok {
		tip = v.tooltip.Current()
	}

	v.mu.Lock()
	unit, ver := v.unit, v.last.Version
	v.mu.Unlock()
	return CursorReading{
		Cursor:       p,
		Value:        prim.Value,
		OK:           prim.OK,
		Tooltip:      tip.Value,
		TooltipOK:    tip.OK,
		TooltipHeld:  tip.Held,
		Unit:         unit,
		Generation:   prim.Generation,
		SelectionVer: ver,
	}
}

// LeaveMap clears the cursor and both readings.
func (v *Viewer) LeaveMap() {
	v.sel.ClearCursor()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.retargetLocked(v.last, true)
}

// SetStyle changes the visibility and opacity of a layer family.
func (v *Viewer) SetStyle(family string, st layersync.Style) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.styles[family]; !ok {
		return false
	}
	v.styles[family] = st
	v.sync.SetStyle(family, st.Visible, st.Opacity)
	return true
}

// Layers returns the live layer specs by family.
func (v *Viewer) Layers() map[string]layersync.Spec { return v.sync.Live() }

func (v *Viewer) Styles() map[string]layersync.Style {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]layersync.Style, len(v.styles))
	for k, s := range v.styles {
		out[k] = s
	}
	return out
}
