package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/oceanview/internal/core/model"
	"github.com/mohammed-shakir/oceanview/internal/layersync"
	"github.com/mohammed-shakir/oceanview/internal/selection"
)

type dateView struct {
	Date   string            `json:"date"`
	Layers map[string]string `json:"layers"`
	Range  *model.ValueRange `json:"range,omitempty"`
}

type datasetView struct {
	ID        string     `json:"id"`
	Label     string     `json:"label,omitempty"`
	Category  string     `json:"category"`
	Unit      string     `json:"unit,omitempty"`
	Scale     string     `json:"scale"`
	ValueKeys []string   `json:"valueKeys"`
	Dates     []dateView `json:"dates"`
}

type regionView struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Bounds         [4]float64    `json:"bounds"`
	DefaultDataset string        `json:"defaultDataset,omitempty"`
	Datasets       []datasetView `json:"datasets"`
}

type catalogView struct {
	LastUpdated string       `json:"lastUpdated,omitempty"`
	Regions     []regionView `json:"regions"`
}

func boundsOf(b orb.Bound) [4]float64 {
	return [4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()}
}

func (a *api) regions(w http.ResponseWriter, _ *http.Request) {
	out := catalogView{Regions: []regionView{}}
	if a.cat != nil {
		out.LastUpdated = a.cat.LastUpdated
		for _, r := range a.cat.Regions {
			rv := regionView{ID: r.ID, Name: r.Name, Bounds: boundsOf(r.Bounds), DefaultDataset: r.DefaultDataset}
			for _, d := range r.Datasets {
				dv := datasetView{
					ID: d.ID, Label: d.Label, Category: string(d.Category), Unit: d.Unit,
					Scale: string(d.Scale), ValueKeys: d.ValueKeys,
				}
				for _, e := range d.Dates {
					layers := make(map[string]string, len(e.Layers))
					for k, u := range e.Layers {
						layers[string(k)] = u
					}
					dv.Dates = append(dv.Dates, dateView{Date: e.Date, Layers: layers, Range: e.Range})
				}
				rv.Datasets = append(rv.Datasets, dv)
			}
			out.Regions = append(out.Regions, rv)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type stateView struct {
	Version uint64            `json:"version"`
	Path    string            `json:"path"`
	State   string            `json:"state"`
	Region  string            `json:"region,omitempty"`
	Dataset string            `json:"dataset,omitempty"`
	Date    string            `json:"date,omitempty"`
	Range   *model.ValueRange `json:"range,omitempty"`
	Cursor  *[2]float64       `json:"cursor,omitempty"`
	Loading bool              `json:"loading"`
	Loaded  bool              `json:"loaded"`
	Error   string            `json:"error,omitempty"`
	Layers  map[string]bool   `json:"layers,omitempty"`
}

func viewOf(s selection.Snapshot) stateView {
	v := stateView{
		Version: s.Version,
		Path:    s.Path(),
		State:   s.State().String(),
		Date:    s.Date,
		Range:   s.Range,
		Loading: s.Loading,
		Loaded:  s.LayerData != nil,
	}
	if s.Region != nil {
		v.Region = s.Region.ID
	}
	if s.Dataset != nil {
		v.Dataset = s.Dataset.ID
	}
	if s.Cursor != nil {
		v.Cursor = &[2]float64{s.Cursor.Lon(), s.Cursor.Lat()}
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	if p := s.LayerData; p != nil {
		v.Layers = map[string]bool{
			layersync.FamilyImage:    p.ImageURL != "",
			layersync.FamilyData:     p.Data != nil,
			layersync.FamilyContours: p.Contours != nil,
		}
	}
	return v
}

func (a *api) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(a.sel.Snapshot()))
}

func (a *api) navigate(w http.ResponseWriter, r *http.Request) {
	path := "/" + chi.URLParam(r, "*")
	if err := a.sel.Navigate(r.Context(), path); err != nil {
		a.log.DebugContext(r.Context(), "navigate rejected", "path", path, "err", err)
		writeError(w, selectionStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a.sel.Snapshot()))
}

func (a *api) deselect(w http.ResponseWriter, _ *http.Request) {
	a.sel.Deselect()
	writeJSON(w, http.StatusOK, viewOf(a.sel.Snapshot()))
}

type cursorView struct {
	Lon              float64  `json:"lon"`
	Lat              float64  `json:"lat"`
	Value            *float64 `json:"value"`
	Tooltip          *float64 `json:"tooltip"`
	TooltipHeld      bool     `json:"tooltipHeld,omitempty"`
	Unit             string   `json:"unit,omitempty"`
	Generation       uint64   `json:"generation"`
	SelectionVersion uint64   `json:"selectionVersion"`
}

func (a *api) cursor(w http.ResponseWriter, r *http.Request) {
	p, err := parsePoint(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rd := a.view.Cursor(r.Context(), p)
	out := cursorView{
		Lon: p.Lon(), Lat: p.Lat(),
		TooltipHeld:      rd.TooltipHeld,
		Unit:             rd.Unit,
		Generation:       rd.Generation,
		SelectionVersion: rd.SelectionVer,
	}
	if rd.OK {
		v := rd.Value
		out.Value = &v
	}
	if rd.TooltipOK {
		v := rd.Tooltip
		out.Tooltip = &v
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) leave(w http.ResponseWriter, _ *http.Request) {
	a.view.LeaveMap()
	w.WriteHeader(http.StatusNoContent)
}

type layerView struct {
	Key      string  `json:"key"`
	Kind     string  `json:"kind"`
	SourceID string  `json:"source"`
	LayerID  string  `json:"layer"`
	Visible  bool    `json:"visible"`
	Opacity  float64 `json:"opacity"`
}

type styleView struct {
	Visible *bool    `json:"visible,omitempty"`
	Opacity *float64 `json:"opacity,omitempty"`
}

type layersView struct {
	Families map[string]layerView       `json:"families"`
	Styles   map[string]layersync.Style `json:"styles"`
}

func (a *api) layers(w http.ResponseWriter, _ *http.Request) {
	out := layersView{Families: map[string]layerView{}, Styles: a.view.Styles()}
	for fam, sp := range a.view.Layers() {
		out.Families[fam] = layerView{
			Key: sp.Key, Kind: string(sp.Kind), SourceID: sp.SourceID(), LayerID: sp.LayerID(),
			Visible: sp.Visible, Opacity: sp.Opacity,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) setStyle(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	cur, ok := a.view.Styles()[family]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown layer family %q", family))
		return
	}
	var body styleView
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode style: %w", err))
		return
	}
	if body.Visible != nil {
		cur.Visible = *body.Visible
	}
	if body.Opacity != nil {
		if *body.Opacity < 0 || *body.Opacity > 1 {
			writeError(w, http.StatusBadRequest, errors.New("opacity must be in [0,1]"))
			return
		}
		cur.Opacity = *body.Opacity
	}
	a.view.SetStyle(family, cur)
	writeJSON(w, http.StatusOK, cur)
}

func (a *api) conditions(w http.ResponseWriter, r *http.Request) {
	if a.cond == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("conditions lookup disabled"))
		return
	}
	p, err := parsePoint(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	obs, err := a.cond.Lookup(r.Context(), p)
	if err != nil {
		writeError(w, conditionsStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (a *api) forgetConditions(w http.ResponseWriter, r *http.Request) {
	if a.cond == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("conditions lookup disabled"))
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("region"))
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing required parameter: region"))
		return
	}
	region := a.cat.Region(id)
	if region == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %q", selection.ErrUnknownRegion, id))
		return
	}
	n, err := a.cond.ForgetBound(r.Context(), region.Bounds)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func parsePoint(r *http.Request) (orb.Point, error) {
	q := r.URL.Query()
	lon, err := parseFloat(q.Get("lon"))
	if err != nil {
		return orb.Point{}, fmt.Errorf("lon: %w", err)
	}
	lat, err := parseFloat(q.Get("lat"))
	if err != nil {
		return orb.Point{}, fmt.Errorf("lat: %w", err)
	}
	if lon < -180 || lon > 180 {
		return orb.Point{}, errors.New("longitude must be in [-180,180]")
	}
	if lat < -90 || lat > 90 {
		return orb.Point{}, errors.New("latitude must be in [-90,90]")
	}
	return orb.Point{lon, lat}, nil
}

func parseFloat(v string) (float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errors.New("missing")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("not a finite number")
	}
	return f, nil
}
