// Package spatial indexes stops for nearest-neighbour and radius
// queries, grounded on an R-tree over (lat, lon) points.
package spatial

import (
	"math"

	"github.com/tidwall/rtree"

	"github.com/tidbyt-isochrone/gtfsiso/geo"
)

// A stop as seen by the spatial index: just enough to locate and
// identify it. Callers build this from model.Stop, dropping rows
// with a non-finite position per the data model's invariant.
type Stop struct {
	ID   string
	Name string
	Lat  float64
	Lon  float64
}

type Index struct {
	tree *rtree.RTree
	byID map[string]Stop

	// Compact integer ids, assigned at build time, per the data
	// model's preference for dense label storage over a hash
	// mapping keyed by opaque stop_id strings.
	intByID  map[string]int
	stopByID []Stop
}

// metresPerDegree converts a radius in metres to degrees of padding
// for a radius query's bounding box, before re-filtering with
// geo.Haversine.
const metresPerDegree = 111320.0

// Build indexes stops with a finite position. Stops lacking a usable
// position (NaN or infinite lat/lon) are silently dropped, matching
// the data model's "missing position excluded from the index"
// invariant.
func Build(stops []Stop) *Index {
	tree := &rtree.RTree{}
	byID := make(map[string]Stop, len(stops))
	intByID := make(map[string]int, len(stops))
	stopByID := make([]Stop, 0, len(stops))

	for _, s := range stops {
		if !validPosition(s.Lat, s.Lon) {
			continue
		}
		tree.Insert(
			[2]float64{s.Lat, s.Lon},
			[2]float64{s.Lat, s.Lon},
			s,
		)
		byID[s.ID] = s
		intByID[s.ID] = len(stopByID)
		stopByID = append(stopByID, s)
	}

	return &Index{tree: tree, byID: byID, intByID: intByID, stopByID: stopByID}
}

// IntID returns the compact integer id assigned to stopID at build
// time.
func (ix *Index) IntID(stopID string) (int, bool) {
	id, ok := ix.intByID[stopID]
	return id, ok
}

// StopByIntID is the inverse of IntID.
func (ix *Index) StopByIntID(id int) (Stop, bool) {
	if id < 0 || id >= len(ix.stopByID) {
		return Stop{}, false
	}
	return ix.stopByID[id], true
}

func validPosition(lat, lon float64) bool {
	return !math.IsNaN(lat) && !math.IsNaN(lon) && !math.IsInf(lat, 0) && !math.IsInf(lon, 0)
}

// Nearest returns the closest indexed stop to (lat, lon), if any.
func (ix *Index) Nearest(lat, lon float64) (Stop, bool) {
	var best Stop
	found := false
	bestDist := math.Inf(1)

	// tidwall/rtree has no native nearest-neighbour query over this
	// shape; a full scan over byID is acceptable at the stop counts
	// this index targets (a city's schedule, not a continent's).
	for _, s := range ix.byID {
		d := geo.Haversine(lat, lon, s.Lat, s.Lon)
		if d < bestDist {
			bestDist = d
			best = s
			found = true
		}
	}

	return best, found
}

// WithinRadius returns every indexed stop whose great-circle distance
// from (lat, lon) is at most metres. False positives from the
// bounding-box pre-filter are removed; false negatives are not
// possible since the box is padded conservatively. The box is not
// wrapped across the ±180° meridian.
func (ix *Index) WithinRadius(lat, lon, metres float64) []Stop {
	// A degree of latitude on geo.Haversine's sphere is about 111195m,
	// a little under metresPerDegree, so the latitude pad gets a 1%
	// margin. A degree of longitude shrinks by cos(lat), so the
	// longitude pad is widened by 1/cos(lat); near the poles the box
	// spans every longitude.
	latPad := 1.01 * metres / metresPerDegree
	lonPad := 360.0
	if c := math.Cos(lat * math.Pi / 180); c > 0.01 {
		lonPad = latPad / c
	}

	results := []Stop{}
	ix.tree.Search(
		[2]float64{lat - latPad, lon - lonPad},
		[2]float64{lat + latPad, lon + lonPad},
		func(min, max [2]float64, data interface{}) bool {
			s, ok := data.(Stop)
			if !ok {
				return true
			}
			if geo.Haversine(lat, lon, s.Lat, s.Lon) <= metres {
				results = append(results, s)
			}
			return true
		},
	)

	return results
}
