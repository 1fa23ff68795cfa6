// Package render describes the map render target the engine drives: its
// sources and layers, the projection from geographic to pixel space and the
// rendered-feature query.
package render

import (
	"errors"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/oceanview/internal/core/model"
)

var (
	ErrNotReady       = errors.New("render target not ready")
	ErrSourceExists   = errors.New("source already exists")
	ErrSourceNotFound = errors.New("source not found")
	ErrLayerExists    = errors.New("layer already exists")
	ErrLayerNotFound  = errors.New("layer not found")
	ErrSourceInUse    = errors.New("source still referenced by a layer")
)

type SourceKind string

const (
	SourceImage   SourceKind = "image"
	SourceGeoJSON SourceKind = "geojson"
)

// Source is a data source. Image sources carry URL and Coordinates in
// top-left, top-right, bottom-right, bottom-left order; GeoJSON sources
// carry Data.
type Source struct {
	ID          string
	Kind        SourceKind
	URL         string
	Coordinates [4]orb.Point
	Data        *geojson.FeatureCollection
	// GenerateID assigns sequential feature ids for per-feature state.
	GenerateID bool
}

type LayerType string

const (
	LayerRaster LayerType = "raster"
	LayerCircle LayerType = "circle"
	LayerLine   LayerType = "line"
)

type Layer struct {
	ID       string
	SourceID string
	Type     LayerType
	Paint    map[string]any
	Layout   map[string]any
}

// Target is the live set of sources and layers of one map.
type Target interface {
	AddSource(src Source) error
	RemoveSource(id string) error
	AddLayer(l Layer) error
	RemoveLayer(id string) error
	SetPaintProperty(layerID, name string, value any) error
	SetLayoutProperty(layerID, name string, value any) error
	SourceIDs() []string
	LayerIDs() []string
}

type Projector interface {
	Project(p orb.Point) (orb.Point, error)
}

// FeatureQuerier returns features of the given layers rendered inside a
// pixel-space box.
type FeatureQuerier interface {
	QueryRenderedFeatures(box orb.Bound, layerIDs []string) ([]model.RenderedFeature, error)
}
