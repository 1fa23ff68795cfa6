// Package sampler reads the scalar field value under a cursor from the
// features currently rendered around it.
package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/mohammed-shakir/oceanview/internal/core/model"
	"github.com/mohammed-shakir/oceanview/internal/core/observability"
	"github.com/mohammed-shakir/oceanview/internal/render"
)

type Policy string

const (
	// PolicyIDW returns the inverse-distance weighted mean.
	PolicyIDW Policy = "idw"
	// PolicyCluster returns the mean of the heaviest group of similar
	// values so a reading never blends across a sharp front.
	PolicyCluster Policy = "cluster"
)

const (
	AbsoluteZero     = -273.15
	MinDistancePx    = 0.1
	ClusterThreshold = 0.5

	DefaultRadiusPx = 10
	TooltipRadiusPx = 32
)

// Request describes one sample. ValueKeys are probed in order.
type Request struct {
	Cursor    orb.Point
	ValueKeys []string
	LayerIDs  []string
	RadiusPx  float64
	Policy    Policy
}

// Weighted is one valid value and its pixel distance from the cursor.
type Weighted struct {
	Value    float64
	Distance float64
}

func (w Weighted) weight() float64 { return 1 / math.Max(w.Distance, MinDistancePx) }

type Sampler struct {
	proj  render.Projector
	query render.FeatureQuerier
	log   *slog.Logger
}

func New(proj render.Projector, query render.FeatureQuerier, log *slog.Logger) *Sampler {
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{proj: proj, query: query, log: log}
}

// Sample returns the value under req.Cursor. ok is false when no valid
// feature is near, when ctx is done, or when projection or the query fails;
// failures are logged, never returned.
func (s *Sampler) Sample(ctx context.Context, req Request) (value float64, ok bool) {
	policy := req.Policy
	if policy == "" {
		policy = PolicyIDW
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("value sample panicked", "panic", fmt.Sprint(r))
			observability.ObserveValueSample(string(policy), "error")
			value, ok = 0, false
		}
	}()

	samples, err := s.collect(ctx, req)
	if err != nil {
		s.log.Debug("value sample failed", "err", err)
		observability.ObserveValueSample(string(policy), "error")
		return 0, false
	}

	switch policy {
	case PolicyCluster:
		value, ok = DominantCluster(samples)
	default:
		value, ok = IDW(samples)
	}
	if ok {
		observability.ObserveValueSample(string(policy), "value")
	} else {
		observability.ObserveValueSample(string(policy), "empty")
	}
	return value, ok
}

func (s *Sampler) collect(ctx context.Context, req Request) ([]Weighted, error) {
	if s.proj == nil || s.query == nil {
		return nil, errors.New("sampler has no render target")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	radius := req.RadiusPx
	if radius <= 0 {
		radius = DefaultRadiusPx
	}
	c, err := s.proj.Project(req.Cursor)
	if err != nil {
		return nil, fmt.Errorf("project cursor: %w", err)
	}
	box := orb.Bound{
		Min: orb.Point{c.X() - radius, c.Y() - radius},
		Max: orb.Point{c.X() + radius, c.Y() + radius},
	}
	feats, err := s.query.QueryRenderedFeatures(box, req.LayerIDs)
	if err != nil {
		return nil, fmt.Errorf("query features: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return weigh(s.proj, c, feats, req.ValueKeys), nil
}

func weigh(proj render.Projector, cursor orb.Point, feats []model.RenderedFeature, valueKeys []string) []Weighted {
	out := make([]Weighted, 0, len(feats))
	for _, f := range feats {
		v, ok := ExtractValue(f.Properties, valueKeys)
		if !ok {
			continue
		}
		px, err := proj.Project(f.Coordinate)
		if err != nil {
			continue
		}
		out = append(out, Weighted{Value: v, Distance: planar.Distance(cursor, px)})
	}
	return out
}

// ExtractValue returns the first parseable value among keys. A value that
// is not finite or lies below absolute zero makes the feature invalid.
func ExtractValue(props map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		raw, present := props[k]
		if !present || raw == nil {
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < AbsoluteZero {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// IDW returns Σ(v·w)/Σw with w = 1/max(d, 0.1). A single sample is
// returned as is.
func IDW(samples []Weighted) (float64, bool) {
	switch len(samples) {
	case 0:
		return 0, false
	case 1:
		return samples[0].Value, true
	}
	var num, den float64
	for _, s := range samples {
		w := s.weight()
		num += s.Value * w
		den += w
	}
	return num / den, true
}

// DominantCluster groups samples whose values all lie within
// ClusterThreshold of each other, nearest first, and returns the weighted
// mean of the group with the greatest total weight.
func DominantCluster(samples []Weighted) (float64, bool) {
	switch len(samples) {
	case 0:
		return 0, false
	case 1:
		return samples[0].Value, true
	}
	sorted := append([]Weighted(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Distance < sorted[j].Distance })

	type group struct {
		lo, hi   float64
		num, sum float64
	}
	var groups []*group
	for _, s := range sorted {
		w := s.weight()
		var g *group
		for _, cand := range groups {
			if math.Max(cand.hi, s.Value)-math.Min(cand.lo, s.Value) <= ClusterThreshold {
				g = cand
				break
			}
		}
		if g == nil {
			g = &group{lo: s.Value, hi: s.Value}
			groups = append(groups, g)
		}
		g.lo = math.Min(g.lo, s.Value)
		g.hi = math.Max(g.hi, s.Value)
		g.num += s.Value * w
		g.sum += w
	}

	best := groups[0]
	for _, g := range groups[1:] {
		if g.sum > best.sum {
			best = g
		}
	}
	return best.num / best.sum, true
}
