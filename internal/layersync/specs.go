package layersync

import (
	"math"
	"strings"

	"github.com/mohammed-shakir/oceanview/internal/cache/layercache"
	"github.com/mohammed-shakir/oceanview/internal/core/model"
	"github.com/mohammed-shakir/oceanview/internal/render"
)

// Families rendered for the active selection.
const (
	FamilyImage    = "field-image"
	FamilyData     = "field-data"
	FamilyContours = "field-contours"
)

type Style struct {
	Visible bool    `json:"visible"`
	Opacity float64 `json:"opacity"`
}

// DefaultStyles keeps the point layer transparent: it exists to be queried
// by the value sampler.
var DefaultStyles = map[string]Style{
	FamilyImage:    {Visible: true, Opacity: 0.8},
	FamilyData:     {Visible: true, Opacity: 0},
	FamilyContours: {Visible: true, Opacity: 0.9},
}

// Input is the part of a selection the layers are derived from.
type Input struct {
	Region  *model.Region
	Dataset *model.Dataset
	Date    string
	Range   *model.ValueRange
	Payload *layercache.Payload
}

// ResourceKey is the id fragment shared by the layers of one dataset date.
func ResourceKey(datasetID, date string) string {
	return slug(datasetID) + "-" + slug(date)
}

// DataLayerID is the layer the value sampler queries.
func DataLayerID(datasetID, date string) string {
	return Spec{Family: FamilyData, Key: ResourceKey(datasetID, date)}.LayerID()
}

// Specs derives the desired families for in. An incomplete input yields
// no specs, which tears everything down.
func Specs(in Input, styles map[string]Style) []Spec {
	if in.Region == nil || in.Dataset == nil || in.Payload == nil {
		return nil
	}
	style := func(fam string) Style {
		if st, ok := styles[fam]; ok {
			return st
		}
		return DefaultStyles[fam]
	}
	key := ResourceKey(in.Dataset.ID, in.Date)
	p := in.Payload
	var out []Spec

	if p.ImageURL != "" {
		st := style(FamilyImage)
		out = append(out, Spec{
			Family:   FamilyImage,
			Key:      key,
			Kind:     KindImage,
			Resource: p.ImageURL,
			Bounds:   in.Region.Bounds,
			Visible:  st.Visible,
			Opacity:  st.Opacity,
		})
	}
	if p.Data != nil {
		st := style(FamilyData)
		paint := map[string]any{"circle-radius": 3.0}
		if color := colorExpression(in.Dataset, in.Range); color != nil {
			paint["circle-color"] = color
		}
		out = append(out, Spec{
			Family:    FamilyData,
			Key:       key,
			Kind:      KindVector,
			Data:      p.Data,
			Visible:   st.Visible,
			Opacity:   st.Opacity,
			PromoteID: true,
			LayerType: render.LayerCircle,
			Paint:     paint,
		})
	}
	if p.Contours != nil {
		st := style(FamilyContours)
		out = append(out, Spec{
			Family:    FamilyContours,
			Key:       key,
			Kind:      KindVector,
			Data:      p.Contours,
			Visible:   st.Visible,
			Opacity:   st.Opacity,
			PromoteID: true,
			LayerType: render.LayerLine,
			Paint: map[string]any{
				"line-color": "#1f2937",
				"line-width": []any{"case", []any{"boolean", []any{"feature-state", "hover"}, false}, 2.5, 1.0},
			},
		})
	}
	return out
}

// colorExpression interpolates the dataset color scale over the value
// range, in log10 space for logarithmic datasets.
func colorExpression(ds *model.Dataset, r *model.ValueRange) []any {
	if len(ds.ColorScale) < 2 || r == nil || r.Max <= r.Min || len(ds.ValueKeys) == 0 {
		return nil
	}
	get := []any{"coalesce"}
	for _, k := range ds.ValueKeys {
		get = append(get, []any{"get", k})
	}
	lo, hi := r.Min, r.Max
	var input any = get
	if ds.Scale == model.ScaleLogarithmic {
		const floor = 1e-3
		lo, hi = math.Log10(math.Max(lo, floor)), math.Log10(math.Max(hi, floor*10))
		input = []any{"log10", []any{"max", get, floor}}
	}
	expr := []any{"interpolate", []any{"linear"}, input}
	n := len(ds.ColorScale)
	for i, c := range ds.ColorScale {
		expr = append(expr, lo+(hi-lo)*float64(i)/float64(n-1), c)
	}
	return expr
}

func slug(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
