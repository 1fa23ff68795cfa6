// Package mapper converts geographic coordinates into H3 cells.
package mapper

import "github.com/paulmach/orb"

type Interface interface {
	CellForPoint(p orb.Point, res int) (string, error)
	CellsForBound(b orb.Bound, res int) ([]string, error)
}
