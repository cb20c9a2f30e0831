package route

import (
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"

	"github.com/lifeline-app/lifeline/internal/model"
)

const (
	metersPerDegreeLat = 111320.0
)

// project converts a coordinate to meters on a local equirectangular plane
// anchored at origin. Accurate to well under a percent at corridor scales.
func project(origin, p model.LatLng) geom.Coord {
	x := (p.Lng - origin.Lng) * metersPerDegreeLat * math.Cos(origin.Lat*math.Pi/180)
	y := (p.Lat - origin.Lat) * metersPerDegreeLat
	return geom.Coord{x, y}
}

// corridorDistance returns the distance in meters from loc to the nearest
// segment of the planned path.
func corridorDistance(path []model.LatLng, loc model.LatLng) float64 {
	if len(path) == 0 {
		return 0
	}
	p := project(loc, loc)
	if len(path) == 1 {
		return xy.Distance(p, project(loc, path[0]))
	}

	best := math.Inf(1)
	for i := 0; i+1 < len(path); i++ {
		d := xy.DistanceFromPointToLine(p, project(loc, path[i]), project(loc, path[i+1]))
		if d < best {
			best = d
		}
	}
	return best
}
