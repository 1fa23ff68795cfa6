// Package memtarget is an in-process render target. It keeps sources and
// layers in memory and answers rendered-feature queries from an R-tree over
// each GeoJSON source.
package memtarget

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/mohammed-shakir/oceanview/internal/core/model"
	"github.com/mohammed-shakir/oceanview/internal/render"
)

// Camera projects between geographic and pixel space.
type Camera interface {
	render.Projector
	Unproject(px orb.Point) orb.Point
}

// Stats counts structural mutations.
type Stats struct {
	SourceAdds    int
	SourceRemoves int
	LayerAdds     int
	LayerRemoves  int
}

type indexed struct {
	id    any
	coord orb.Point
	props map[string]any
	rect  rtreego.Rect
}

func (f *indexed) Bounds() rtreego.Rect { return f.rect }

type sourceEntry struct {
	src  render.Source
	tree *rtreego.Rtree
}

type Target struct {
	cam Camera

	mu      sync.RWMutex
	ready   bool
	sources map[string]*sourceEntry
	layers  []*render.Layer
	stats   Stats
}

func New(cam Camera) *Target {
	return &Target{cam: cam, ready: true, sources: map[string]*sourceEntry{}}
}

// SetReady toggles whether mutations are accepted.
func (t *Target) SetReady(ready bool) {
	t.mu.Lock()
	t.ready = ready
	t.mu.Unlock()
}

func (t *Target) AddSource(src render.Source) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		return render.ErrNotReady
	}
	if _, ok := t.sources[src.ID]; ok {
		return fmt.Errorf("add source %q: %w", src.ID, render.ErrSourceExists)
	}
	e := &sourceEntry{src: src}
	if src.Kind == render.SourceGeoJSON && src.Data != nil {
		e.tree = buildIndex(src.Data, src.GenerateID)
	}
	t.sources[src.ID] = e
	t.stats.SourceAdds++
	return nil
}

func (t *Target) RemoveSource(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		return render.ErrNotReady
	}
	if _, ok := t.sources[id]; !ok {
		return fmt.Errorf("remove source %q: %w", id, render.ErrSourceNotFound)
	}
	for _, l := range t.layers {
		if l.SourceID == id {
			return fmt.Errorf("remove source %q: %w (%s)", id, render.ErrSourceInUse, l.ID)
		}
	}
	delete(t.sources, id)
	t.stats.SourceRemoves++
	return nil
}

func (t *Target) AddLayer(l render.Layer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		return render.ErrNotReady
	}
	if t.layerIndex(l.ID) >= 0 {
		return fmt.Errorf("add layer %q: %w", l.ID, render.ErrLayerExists)
	}
	if _, ok := t.sources[l.SourceID]; !ok {
		return fmt.Errorf("add layer %q: %w: %s", l.ID, render.ErrSourceNotFound, l.SourceID)
	}
	cp := l
	cp.Paint = maps.Clone(l.Paint)
	cp.Layout = maps.Clone(l.Layout)
	t.layers = append(t.layers, &cp)
	t.stats.LayerAdds++
	return nil
}

func (t *Target) RemoveLayer(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		return render.ErrNotReady
	}
	i := t.layerIndex(id)
	if i < 0 {
		return fmt.Errorf("remove layer %q: %w", id, render.ErrLayerNotFound)
	}
	t.layers = slices.Delete(t.layers, i, i+1)
	t.stats.LayerRemoves++
	return nil
}

func (t *Target) SetPaintProperty(layerID, name string, value any) error {
	return t.setProperty(layerID, func(l *render.Layer) {
		if l.Paint == nil {
			l.Paint = map[string]any{}
		}
		l.Paint[name] = value
	})
}

func (t *Target) SetLayoutProperty(layerID, name string, value any) error {
	return t.setProperty(layerID, func(l *render.Layer) {
		if l.Layout == nil {
			l.Layout = map[string]any{}
		}
		l.Layout[name] = value
	})
}

func (t *Target) setProperty(layerID string, set func(*render.Layer)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		return render.ErrNotReady
	}
	i := t.layerIndex(layerID)
	if i < 0 {
		return fmt.Errorf("set property on %q: %w", layerID, render.ErrLayerNotFound)
	}
	set(t.layers[i])
	return nil
}

// SourceIDs returns source ids sorted.
func (t *Target) SourceIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.sources))
	for id := range t.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LayerIDs returns layer ids in draw order.
func (t *Target) LayerIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.layers))
	for _, l := range t.layers {
		ids = append(ids, l.ID)
	}
	return ids
}

// Layer returns a copy of the layer with id.
func (t *Target) Layer(id string) (render.Layer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := t.layerIndex(id)
	if i < 0 {
		return render.Layer{}, false
	}
	l := *t.layers[i]
	l.Paint = maps.Clone(l.Paint)
	l.Layout = maps.Clone(l.Layout)
	return l, true
}

func (t *Target) Source(id string) (render.Source, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.sources[id]
	if !ok {
		return render.Source{}, false
	}
	return e.src, true
}

func (t *Target) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// QueryRenderedFeatures returns features of visible layers whose
// representative coordinate projects inside box. Unknown layers are
// skipped.
func (t *Target) QueryRenderedFeatures(box orb.Bound, layerIDs []string) ([]model.RenderedFeature, error) {
	geo := t.geoBound(box)
	query, err := rect(geo)
	if err != nil {
		return nil, fmt.Errorf("query rect: %w", err)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []model.RenderedFeature
	for _, id := range layerIDs {
		i := t.layerIndex(id)
		if i < 0 {
			continue
		}
		l := t.layers[i]
		if l.Layout["visibility"] == "none" {
			continue
		}
		e := t.sources[l.SourceID]
		if e == nil || e.tree == nil {
			continue
		}
		for _, s := range e.tree.SearchIntersect(query) {
			f := s.(*indexed)
			px, err := t.cam.Project(f.coord)
			if err != nil || !box.Contains(px) {
				continue
			}
			out = append(out, model.RenderedFeature{
				ID:         f.id,
				LayerID:    l.ID,
				Coordinate: f.coord,
				Properties: maps.Clone(f.props),
			})
		}
	}
	return out, nil
}

func (t *Target) layerIndex(id string) int {
	for i, l := range t.layers {
		if l.ID == id {
			return i
		}
	}
	return -1
}

func (t *Target) geoBound(box orb.Bound) orb.Bound {
	b := orb.Bound{Min: t.cam.Unproject(box.Min), Max: t.cam.Unproject(box.Min)}
	for _, c := range []orb.Point{box.Max, {box.Min.X(), box.Max.Y()}, {box.Max.X(), box.Min.Y()}} {
		b = b.Extend(t.cam.Unproject(c))
	}
	return b
}

func buildIndex(fc *geojson.FeatureCollection, generateID bool) *rtreego.Rtree {
	tree := rtreego.NewTree(2, 25, 50)
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		r, err := rect(f.Geometry.Bound())
		if err != nil {
			continue
		}
		var id any = f.ID
		if generateID {
			id = i
		}
		tree.Insert(&indexed{
			id:    id,
			coord: representative(f.Geometry),
			props: f.Properties,
			rect:  r,
		})
	}
	return tree
}

func representative(g orb.Geometry) orb.Point {
	if p, ok := g.(orb.Point); ok {
		return p
	}
	c, _ := planar.CentroidArea(g)
	return c
}

// rect converts b to an R-tree rectangle; degenerate sides get a small
// positive length.
func rect(b orb.Bound) (rtreego.Rect, error) {
	const epsilon = 1e-9
	w := b.Max.X() - b.Min.X()
	h := b.Max.Y() - b.Min.Y()
	if w < epsilon {
		w = epsilon
	}
	if h < epsilon {
		h = epsilon
	}
	return rtreego.NewRect(rtreego.Point{b.Min.X(), b.Min.Y()}, []float64{w, h})
}
