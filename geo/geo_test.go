package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineKnownDistances(t *testing.T) {
	// Stops A and B from the schedule fixture: longitude spaced 0.002
	// degrees apart at the equator, approximately 222 metres.
	d := Haversine(0, 0, 0, 0.002)
	assert.InDelta(t, 222, d, 5)

	// B to C: 0.018 degrees apart, approximately 2 km.
	d = Haversine(0, 0.002, 0, 0.020)
	assert.InDelta(t, 2002, d, 20)

	// Same point.
	assert.Equal(t, 0.0, Haversine(1, 2, 1, 2))
}

func TestWalkMinutes(t *testing.T) {
	// At 5 km/h, 1 km takes 12 minutes.
	assert.InDelta(t, 12, WalkMinutes(1000), 0.01)
	assert.Equal(t, 0.0, WalkMinutes(0))
}

func TestPlanarRoundTrip(t *testing.T) {
	for _, c := range [][2]float64{{0, 0}, {45.5, -122.6}, {-33.9, 151.2}} {
		x, y := ToPlanar(c[0], c[1])
		lat, lon := FromPlanar(x, y)
		assert.InDelta(t, c[0], lat, 1e-6)
		assert.InDelta(t, c[1], lon, 1e-6)
	}
}

func TestPlanarPreservesDistanceLocally(t *testing.T) {
	// Over a short baseline, planar Euclidean distance should track
	// the great-circle distance closely.
	x1, y1 := ToPlanar(0, 0)
	x2, y2 := ToPlanar(0, 0.002)
	planar := math.Hypot(x2-x1, y2-y1)
	great := Haversine(0, 0, 0, 0.002)
	assert.InDelta(t, great, planar, 1)
}
