package isochrone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidbyt-isochrone/gtfsiso/spatial"
)

func TestSynthesizeEmptyProducesNoPolygons(t *testing.T) {
	region := Synthesize(30, map[string]StopArrival{})
	assert.Empty(t, region.Polygons)
	assert.Empty(t, region.Points)
}

func TestSynthesizeSingleStopProducesOneRing(t *testing.T) {
	arrivals := map[string]StopArrival{
		"A": {Stop: spatial.Stop{ID: "A", Name: "A", Lat: 0, Lon: 0}, Delta: 5},
	}

	region := Synthesize(30, arrivals)
	require.Len(t, region.Points, 1)
	require.Len(t, region.Polygons, 1)

	ring := region.Polygons[0]
	require.GreaterOrEqual(t, len(ring), 4)
	assert.Equal(t, ring[0], ring[len(ring)-1], "ring must be closed")
}

func TestSynthesizeAdjacentStopsMerge(t *testing.T) {
	// Two stops close enough that their residual-walk disks overlap
	// should union into a single connected polygon.
	arrivals := map[string]StopArrival{
		"A": {Stop: spatial.Stop{ID: "A", Name: "A", Lat: 0, Lon: 0}, Delta: 5},
		"B": {Stop: spatial.Stop{ID: "B", Name: "B", Lat: 0, Lon: 0.0005}, Delta: 5},
	}

	region := Synthesize(30, arrivals)
	assert.Len(t, region.Polygons, 1)
}

func TestSynthesizeDistantStopsStaySeparate(t *testing.T) {
	arrivals := map[string]StopArrival{
		"A": {Stop: spatial.Stop{ID: "A", Name: "A", Lat: 0, Lon: 0}, Delta: 29},
		"B": {Stop: spatial.Stop{ID: "B", Name: "B", Lat: 0, Lon: 1}, Delta: 29},
	}

	region := Synthesize(30, arrivals)
	assert.Len(t, region.Polygons, 2)
}

func TestSynthesizeResidualRadiusRespectsMinimum(t *testing.T) {
	// A stop reached with delta == budget has zero residual budget,
	// so its buffer should fall back to rhoMinMetres rather than
	// collapsing to a point.
	arrivals := map[string]StopArrival{
		"A": {Stop: spatial.Stop{ID: "A", Name: "A", Lat: 0, Lon: 0}, Delta: 30},
	}

	region := Synthesize(30, arrivals)
	require.Len(t, region.Polygons, 1)
	assert.GreaterOrEqual(t, len(region.Polygons[0]), 4)
}
