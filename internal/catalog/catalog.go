// Package catalog loads the region and dataset catalog served next to the
// layer files.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/oceanview/internal/core/model"
)

var ErrNoRegions = errors.New("catalog has no usable regions")

// DefaultValueKeys lists the candidate property names per category, probed
// in order when a dataset does not declare its own.
var DefaultValueKeys = map[model.Category][]string{
	model.CategoryTemperature: {"temperature", "temp", "sst", "value"},
	model.CategoryCurrents:    {"speed", "velocity", "value"},
	model.CategoryWaves:       {"wave_height", "height", "swh", "value"},
	model.CategoryChlorophyll: {"chlorophyll", "chl", "value"},
}

type Catalog struct {
	Regions     []*model.Region
	LastUpdated string

	byID map[string]*model.Region
}

// Region returns the region with id, or nil.
func (c *Catalog) Region(id string) *model.Region {
	if c == nil {
		return nil
	}
	return c.byID[id]
}

type metadataDoc struct {
	Regions     []regionDoc `json:"regions"`
	LastUpdated string      `json:"lastUpdated"`
}

type regionDoc struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Bounds         []float64    `json:"bounds"`
	DefaultDataset string       `json:"defaultDataset"`
	Datasets       []datasetDoc `json:"datasets"`
}

type datasetDoc struct {
	ID         string    `json:"id"`
	Category   string    `json:"category"`
	Label      string    `json:"label"`
	Unit       string    `json:"unit"`
	ValueKeys  []string  `json:"valueKeys"`
	ColorScale []string  `json:"colorScale"`
	Scale      string    `json:"scale"`
	Dates      []dateDoc `json:"dates"`
}

type dateDoc struct {
	Date   string            `json:"date"`
	Layers map[string]string `json:"layers"`
	Range  *model.ValueRange `json:"range"`
}

type regionsDoc struct {
	Regions []regionDoc `json:"regions"`
}

// Parse builds a Catalog from metadata.json and the optional regions.json.
// Relative layer URLs are resolved against base. Malformed regions and
// date entries without layers are dropped with a warning.
func Parse(metadata, regions []byte, base *url.URL, log *slog.Logger) (*Catalog, error) {
	if log == nil {
		log = slog.Default()
	}
	var meta metadataDoc
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}

	info := map[string]regionDoc{}
	if len(regions) > 0 {
		var rd regionsDoc
		if err := json.Unmarshal(regions, &rd); err != nil {
			return nil, fmt.Errorf("parse regions: %w", err)
		}
		for _, r := range rd.Regions {
			info[r.ID] = r
		}
	}

	c := &Catalog{LastUpdated: meta.LastUpdated, byID: map[string]*model.Region{}}
	for _, rd := range meta.Regions {
		r, err := buildRegion(rd, info[rd.ID], base, log)
		if err != nil {
			log.Warn("skipping region", "region", rd.ID, "err", err)
			continue
		}
		if _, dup := c.byID[r.ID]; dup {
			log.Warn("duplicate region id", "region", r.ID)
			continue
		}
		c.Regions = append(c.Regions, r)
		c.byID[r.ID] = r
	}
	if len(c.Regions) == 0 {
		return nil, ErrNoRegions
	}
	return c, nil
}

func buildRegion(rd, extra regionDoc, base *url.URL, log *slog.Logger) (*model.Region, error) {
	id := strings.TrimSpace(rd.ID)
	if id == "" {
		return nil, errors.New("missing id")
	}
	name := firstNonEmpty(rd.Name, extra.Name, id)
	bounds := rd.Bounds
	if len(bounds) == 0 {
		bounds = extra.Bounds
	}
	bb, err := parseBounds(bounds)
	if err != nil {
		return nil, err
	}

	r := &model.Region{
		ID:             id,
		Name:           name,
		Bounds:         bb,
		DefaultDataset: firstNonEmpty(extra.DefaultDataset, rd.DefaultDataset),
	}
	seen := map[string]bool{}
	for _, dd := range rd.Datasets {
		ds := buildDataset(dd, base, log)
		if ds == nil {
			continue
		}
		if seen[ds.ID] {
			log.Warn("duplicate dataset id", "region", id, "dataset", ds.ID)
			continue
		}
		seen[ds.ID] = true
		r.Datasets = append(r.Datasets, ds)
	}
	if r.DefaultDataset != "" && r.Dataset(r.DefaultDataset) == nil {
		log.Warn("region default dataset not offered", "region", id, "dataset", r.DefaultDataset)
	}
	return r, nil
}

func buildDataset(dd datasetDoc, base *url.URL, log *slog.Logger) *model.Dataset {
	id := strings.TrimSpace(dd.ID)
	if id == "" {
		log.Warn("dataset without id dropped")
		return nil
	}
	cat := model.Category(strings.ToLower(strings.TrimSpace(dd.Category)))
	ds := &model.Dataset{
		ID:         id,
		Category:   cat,
		Label:      firstNonEmpty(dd.Label, id),
		Unit:       dd.Unit,
		ValueKeys:  ResolveValueKeys(cat, dd.ValueKeys),
		ColorScale: dd.ColorScale,
		Scale:      resolveScale(cat, dd.Scale),
	}
	if _, known := DefaultValueKeys[cat]; !known && len(dd.ValueKeys) == 0 {
		log.Warn("dataset has no value extraction config", "dataset", id, "category", string(cat))
	}

	for _, de := range dd.Dates {
		e := model.DateEntry{
			Date:   strings.TrimSpace(de.Date),
			Layers: map[model.LayerKind]string{},
			Range:  de.Range,
		}
		for kind, u := range de.Layers {
			k := model.LayerKind(strings.ToLower(kind))
			switch k {
			case model.LayerImage, model.LayerData, model.LayerContours:
			default:
				continue
			}
			if ref := resolveURL(base, u); ref != "" {
				e.Layers[k] = ref
			}
		}
		if e.Date == "" || !e.Valid() {
			log.Debug("dropping date entry without layers", "dataset", id, "date", e.Date)
			continue
		}
		ds.Dates = append(ds.Dates, e)
	}
	model.SortDatesDesc(ds.Dates)
	return ds
}

// ResolveValueKeys returns the declared keys or the category defaults,
// always ending with "value".
func ResolveValueKeys(cat model.Category, declared []string) []string {
	src := declared
	if len(src) == 0 {
		src = DefaultValueKeys[cat]
	}
	out := make([]string, 0, len(src)+1)
	seen := map[string]bool{}
	for _, k := range src {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	if !seen["value"] {
		out = append(out, "value")
	}
	return out
}

func resolveScale(cat model.Category, s string) model.Scale {
	switch model.Scale(strings.ToLower(strings.TrimSpace(s))) {
	case model.ScaleLogarithmic:
		return model.ScaleLogarithmic
	case model.ScaleLinear:
		return model.ScaleLinear
	}
	if cat == model.CategoryChlorophyll {
		return model.ScaleLogarithmic
	}
	return model.ScaleLinear
}

func parseBounds(b []float64) (orb.Bound, error) {
	if len(b) != 4 {
		return orb.Bound{}, fmt.Errorf("bounds need 4 values, got %d", len(b))
	}
	w, s, e, n := b[0], b[1], b[2], b[3]
	if w >= e || s >= n || s < -90 || n > 90 {
		return orb.Bound{}, fmt.Errorf("invalid bounds %v", b)
	}
	return orb.Bound{Min: orb.Point{w, s}, Max: orb.Point{e, n}}, nil
}

func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
