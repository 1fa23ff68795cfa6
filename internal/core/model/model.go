// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

type Category string

const (
	CategoryTemperature Category = "temperature"
	CategoryCurrents    Category = "currents"
	CategoryWaves       Category = "waves"
	CategoryChlorophyll Category = "chlorophyll"
)

type Scale string

const (
	ScaleLinear      Scale = "linear"
	ScaleLogarithmic Scale = "logarithmic"
)

// LayerKind names one fetchable resource of a DateEntry.
type LayerKind string

const (
	LayerImage    LayerKind = "image"
	LayerData     LayerKind = "data"
	LayerContours LayerKind = "contours"
)

type Region struct {
	ID             string
	Name           string
	Bounds         orb.Bound
	DefaultDataset string
	Datasets       []*Dataset
}

// Dataset returns the dataset with the given id, or nil.
func (r *Region) Dataset(id string) *Dataset {
	if r == nil {
		return nil
	}
	for _, d := range r.Datasets {
		if d.ID == id {
			return d
		}
	}
	return nil
}

type ValueRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type DateEntry struct {
	Date   string
	Layers map[LayerKind]string
	Range  *ValueRange
}

// Valid reports whether at least one layer kind is present.
func (e DateEntry) Valid() bool {
	for _, u := range e.Layers {
		if strings.TrimSpace(u) != "" {
			return true
		}
	}
	return false
}

type Dataset struct {
	ID         string
	Category   Category
	Label      string
	Unit       string
	ValueKeys  []string
	ColorScale []string
	Scale      Scale
	Dates      []DateEntry
}

// Entry returns the date entry for date.
func (d *Dataset) Entry(date string) (DateEntry, bool) {
	if d == nil {
		return DateEntry{}, false
	}
	for _, e := range d.Dates {
		if e.Date == date {
			return e, true
		}
	}
	return DateEntry{}, false
}

// MostRecent returns the newest date entry.
func (d *Dataset) MostRecent() (DateEntry, bool) {
	if d == nil || len(d.Dates) == 0 {
		return DateEntry{}, false
	}
	best := d.Dates[0]
	for _, e := range d.Dates[1:] {
		if CompareDates(e.Date, best.Date) > 0 {
			best = e
		}
	}
	return best, true
}

var dateLayouts = []string{
	"20060102",
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"200601021504",
}

// ParseDate parses the date formats used by the catalog.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// CompareDates orders by date value, falling back to string order when
// either side cannot be parsed.
func CompareDates(a, b string) int {
	ta, errA := ParseDate(a)
	tb, errB := ParseDate(b)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	return strings.Compare(a, b)
}

// SortDatesDesc sorts entries newest first.
func SortDatesDesc(entries []DateEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return CompareDates(entries[i].Date, entries[j].Date) > 0
	})
}

// RenderedFeature is one feature returned by a rendered-feature query.
type RenderedFeature struct {
	ID         any
	LayerID    string
	Coordinate orb.Point
	Properties map[string]any
}
