// Package selection holds the region, dataset and date the viewer shows
// and drives layer fetches when they change.
package selection

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/oceanview/internal/cache/layercache"
	"github.com/mohammed-shakir/oceanview/internal/core/model"
)

var (
	ErrNoRegion       = errors.New("no region selected")
	ErrNoDataset      = errors.New("no dataset selected")
	ErrUnknownRegion  = errors.New("unknown region")
	ErrUnknownDataset = errors.New("dataset not offered by region")
	ErrUnknownDate    = errors.New("date not offered by dataset")
	ErrClosed         = errors.New("selection machine closed")
	ErrBadPath        = errors.New("invalid selection path")
)

type State int

const (
	NoRegion State = iota
	RegionSelected
	DatasetSelected
	DateSelected
)

func (s State) String() string {
	switch s {
	case RegionSelected:
		return "region_selected"
	case DatasetSelected:
		return "dataset_selected"
	case DateSelected:
		return "date_selected"
	default:
		return "no_region"
	}
}

// Snapshot is an immutable copy of the selection. Version increases with
// every selection or fetch-state change.
type Snapshot struct {
	Version   uint64
	Region    *model.Region
	Dataset   *model.Dataset
	Date      string
	Range     *model.ValueRange
	Cursor    *orb.Point
	LayerData *layercache.Payload
	Loading   bool
	Err       error
}

func (s Snapshot) State() State {
	switch {
	case s.Region == nil:
		return NoRegion
	case s.Dataset == nil:
		return RegionSelected
	case s.Date == "":
		return DatasetSelected
	default:
		return DateSelected
	}
}

// Path renders the snapshot as /:region/:dataset/:date, omitting unset
// trailing segments.
func (s Snapshot) Path() string {
	if s.Region == nil {
		return "/"
	}
	parts := []string{url.PathEscape(s.Region.ID)}
	if s.Dataset != nil {
		parts = append(parts, url.PathEscape(s.Dataset.ID))
		if s.Date != "" {
			parts = append(parts, url.PathEscape(s.Date))
		}
	}
	return "/" + strings.Join(parts, "/")
}

// Route is a parsed selection path.
type Route struct {
	Region  string
	Dataset string
	Date    string
}

// ParsePath parses /:region/:dataset?/:date?.
func ParsePath(p string) (Route, error) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return Route{}, nil
	}
	segs := strings.Split(p, "/")
	if len(segs) > 3 {
		return Route{}, fmt.Errorf("%w: more than three segments", ErrBadPath)
	}
	var out [3]string
	for i, s := range segs {
		v, err := url.PathUnescape(s)
		if err != nil {
			return Route{}, fmt.Errorf("%w: %w", ErrBadPath, err)
		}
		if v == "" {
			return Route{}, fmt.Errorf("%w: empty segment", ErrBadPath)
		}
		out[i] = v
	}
	return Route{Region: out[0], Dataset: out[1], Date: out[2]}, nil
}
