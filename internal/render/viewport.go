package render

import (
	"fmt"
	"math"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

const (
	tileSize = 256.0
	// MaxLatitude is the web-mercator latitude limit.
	MaxLatitude = 85.0511287798066
)

var originShift = math.Pi * 6378137

// Viewport is a web-mercator camera: a center, a zoom and a pixel size.
// It is safe for concurrent use.
type Viewport struct {
	mu     sync.RWMutex
	center orb.Point
	zoom   float64
	width  int
	height int
}

func NewViewport(center orb.Point, zoom float64, width, height int) *Viewport {
	return &Viewport{center: center, zoom: zoom, width: width, height: height}
}

// Jump moves the camera.
func (v *Viewport) Jump(center orb.Point, zoom float64) {
	v.mu.Lock()
	v.center, v.zoom = center, zoom
	v.mu.Unlock()
}

// FitBound centers the camera on b and picks the largest whole zoom at
// which b fits.
func (v *Viewport) FitBound(b orb.Bound) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.center = b.Center()
	z := 0.0
	for ; z < 22; z++ {
		lo := worldPixel(b.Min, z+1)
		hi := worldPixel(b.Max, z+1)
		if math.Abs(hi.X()-lo.X()) > float64(v.width) || math.Abs(hi.Y()-lo.Y()) > float64(v.height) {
			break
		}
	}
	v.zoom = z
}

func (v *Viewport) State() (center orb.Point, zoom float64, width, height int) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.center, v.zoom, v.width, v.height
}

// Project converts a lon/lat point to screen pixels, origin top-left.
func (v *Viewport) Project(p orb.Point) (orb.Point, error) {
	if err := checkPoint(p); err != nil {
		return orb.Point{}, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	c := worldPixel(v.center, v.zoom)
	w := worldPixel(p, v.zoom)
	return orb.Point{
		w.X() - c.X() + float64(v.width)/2,
		w.Y() - c.Y() + float64(v.height)/2,
	}, nil
}

// Unproject is the inverse of Project.
func (v *Viewport) Unproject(px orb.Point) orb.Point {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c := worldPixel(v.center, v.zoom)
	world := tileSize * math.Exp2(v.zoom)
	wx := px.X() - float64(v.width)/2 + c.X()
	wy := px.Y() - float64(v.height)/2 + c.Y()
	m := orb.Point{
		wx/world*2*originShift - originShift,
		originShift - wy/world*2*originShift,
	}
	return project.Point(m, project.Mercator.ToWGS84)
}

func worldPixel(p orb.Point, zoom float64) orb.Point {
	lat := math.Max(-MaxLatitude, math.Min(MaxLatitude, p.Lat()))
	m := project.Point(orb.Point{p.Lon(), lat}, project.WGS84.ToMercator)
	world := tileSize * math.Exp2(zoom)
	return orb.Point{
		(m.X() + originShift) / (2 * originShift) * world,
		(originShift - m.Y()) / (2 * originShift) * world,
	}
}

func checkPoint(p orb.Point) error {
	lon, lat := p.Lon(), p.Lat()
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return fmt.Errorf("project: non-finite coordinate %v", p)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("project: latitude %f out of range", lat)
	}
	return nil
}
