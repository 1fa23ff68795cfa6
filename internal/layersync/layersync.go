// Package layersync reconciles the desired layer of each family with the
// sources and layers live on a render target.
package layersync

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/oceanview/internal/core/observability"
	"github.com/mohammed-shakir/oceanview/internal/render"
)

type Kind string

const (
	KindImage  Kind = "image"
	KindVector Kind = "vector"
)

const (
	sourceSuffix = "-source"
	layerSuffix  = "-layer"
)

// Spec is the desired state of one layer family. Key identifies the
// resource (dataset and date); a change of Key replaces source and layer,
// a change of Visible or Opacity alone does not.
type Spec struct {
	Family    string
	Key       string
	Kind      Kind
	Resource  string
	Data      *geojson.FeatureCollection
	Bounds    orb.Bound
	Visible   bool
	Opacity   float64
	PromoteID bool
	LayerType render.LayerType
	Paint     map[string]any
}

func (s Spec) SourceID() string { return s.Family + "-" + s.Key + sourceSuffix }
func (s Spec) LayerID() string  { return s.Family + "-" + s.Key + layerSuffix }

func (s Spec) empty() bool {
	return (s.Kind == KindImage && s.Resource == "") || (s.Kind == KindVector && s.Data == nil)
}

func (s Spec) sameResource(o Spec) bool {
	return s.Key == o.Key && s.Kind == o.Kind && s.Resource == o.Resource && s.Data == o.Data && s.Bounds == o.Bounds
}

// Synchronizer owns the families it was asked to render. Target failures
// are logged and swallowed; the next Apply for a family starts over.
type Synchronizer struct {
	target render.Target
	log    *slog.Logger

	mu      sync.Mutex
	live    map[string]Spec
	version uint64
}

func New(target render.Target, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{target: target, log: log, live: map[string]Spec{}}
}

// Apply reconciles one family.
func (s *Synchronizer) Apply(spec Spec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(spec)
}

// Sync reconciles every family at once: families in specs are applied,
// others are torn down. Calls carrying a version not newer than the last
// accepted one are ignored.
func (s *Synchronizer) Sync(version uint64, specs []Spec) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.version && s.version != 0 {
		observability.IncStaleCompletion("layer_sync")
		s.log.Debug("ignoring out-of-order layer state", "version", version, "applied", s.version)
		return false
	}
	s.version = version

	want := make(map[string]bool, len(specs))
	for _, sp := range specs {
		want[sp.Family] = true
		s.applyLocked(sp)
	}
	for fam := range s.live {
		if !want[fam] {
			s.teardownLocked(fam)
		}
	}
	return true
}

// SetStyle changes visibility and opacity of a live family in place.
func (s *Synchronizer) SetStyle(family string, visible bool, opacity float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.live[family]
	if !ok {
		return false
	}
	cur.Visible, cur.Opacity = visible, opacity
	s.applyLocked(cur)
	return true
}

// Remove tears down one family.
func (s *Synchronizer) Remove(family string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked(family)
}

// Close tears down every family.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fam := range s.live {
		s.teardownLocked(fam)
	}
}

// Live returns the applied spec per family.
func (s *Synchronizer) Live() map[string]Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Spec, len(s.live))
	for k, v := range s.live {
		out[k] = v
	}
	return out
}

func (s *Synchronizer) applyLocked(spec Spec) {
	if spec.empty() {
		s.teardownLocked(spec.Family)
		return
	}
	if prev, ok := s.live[spec.Family]; ok && prev.sameResource(spec) {
		s.restyleLocked(prev, spec)
		return
	}

	s.teardownLocked(spec.Family)

	src := render.Source{ID: spec.SourceID(), GenerateID: spec.PromoteID}
	switch spec.Kind {
	case KindImage:
		src.Kind = render.SourceImage
		src.URL = spec.Resource
		src.Coordinates = corners(spec.Bounds)
	default:
		src.Kind = render.SourceGeoJSON
		src.Data = spec.Data
	}
	if err := s.target.AddSource(src); err != nil {
		observability.ObserveLayerSync("add_source", err)
		s.log.Warn("add source failed", "source", src.ID, "err", err)
		return
	}
	observability.ObserveLayerSync("add_source", nil)

	layer := render.Layer{
		ID:       spec.LayerID(),
		SourceID: src.ID,
		Type:     layerType(spec),
		Paint:    paintFor(spec),
		Layout:   map[string]any{"visibility": visibility(spec.Visible)},
	}
	if err := s.target.AddLayer(layer); err != nil {
		observability.ObserveLayerSync("add_layer", err)
		s.log.Warn("add layer failed", "layer", layer.ID, "err", err)
		s.removeSource(src.ID)
		return
	}
	observability.ObserveLayerSync("add_layer", nil)
	s.live[spec.Family] = spec
}

func (s *Synchronizer) restyleLocked(prev, next Spec) {
	id := prev.LayerID()
	if prev.Visible != next.Visible {
		err := s.target.SetLayoutProperty(id, "visibility", visibility(next.Visible))
		observability.ObserveLayerSync("set_layout", err)
		if err != nil {
			s.log.Warn("set visibility failed", "layer", id, "err", err)
			delete(s.live, prev.Family)
			return
		}
	}
	if prev.Opacity != next.Opacity {
		err := s.target.SetPaintProperty(id, opacityProperty(layerType(prev)), next.Opacity)
		observability.ObserveLayerSync("set_paint", err)
		if err != nil {
			s.log.Warn("set opacity failed", "layer", id, "err", err)
			delete(s.live, prev.Family)
			return
		}
	}
	s.live[prev.Family] = next
}

// teardownLocked removes every layer of family, then every source, so no
// orphan of an earlier resource survives.
func (s *Synchronizer) teardownLocked(family string) {
	delete(s.live, family)
	prefix := family + "-"
	for _, id := range s.target.LayerIDs() {
		if strings.HasPrefix(id, prefix) && strings.HasSuffix(id, layerSuffix) {
			err := s.target.RemoveLayer(id)
			observability.ObserveLayerSync("remove_layer", err)
			if err != nil {
				s.log.Debug("remove layer failed", "layer", id, "err", err)
			}
		}
	}
	for _, id := range s.target.SourceIDs() {
		if strings.HasPrefix(id, prefix) && strings.HasSuffix(id, sourceSuffix) {
			s.removeSource(id)
		}
	}
}

func (s *Synchronizer) removeSource(id string) {
	err := s.target.RemoveSource(id)
	observability.ObserveLayerSync("remove_source", err)
	if err != nil {
		s.log.Debug("remove source failed", "source", id, "err", err)
	}
}

// corners orders image corners top-left, top-right, bottom-right,
// bottom-left.
func corners(b orb.Bound) [4]orb.Point {
	return [4]orb.Point{
		{b.Min.X(), b.Max.Y()},
		{b.Max.X(), b.Max.Y()},
		{b.Max.X(), b.Min.Y()},
		{b.Min.X(), b.Min.Y()},
	}
}

func visibility(v bool) string {
	if v {
		return "visible"
	}
	return "none"
}

func layerType(spec Spec) render.LayerType {
	if spec.Kind == KindImage {
		return render.LayerRaster
	}
	if spec.LayerType != "" {
		return spec.LayerType
	}
	return render.LayerCircle
}

func opacityProperty(t render.LayerType) string {
	switch t {
	case render.LayerRaster:
		return "raster-opacity"
	case render.LayerLine:
		return "line-opacity"
	default:
		return "circle-opacity"
	}
}

func paintFor(spec Spec) map[string]any {
	t := layerType(spec)
	p := map[string]any{opacityProperty(t): spec.Opacity}
	if t == render.LayerRaster {
		p["raster-resampling"] = "linear"
	}
	for k, v := range spec.Paint {
		p[k] = v
	}
	return p
}
