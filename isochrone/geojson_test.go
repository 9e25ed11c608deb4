package isochrone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidbyt-isochrone/gtfsiso/spatial"
)

func TestAssembleEmptyRegion(t *testing.T) {
	fc := Assemble(30, Region{})
	assert.Empty(t, fc.Features)
}

func TestAssemblePolygonProperties(t *testing.T) {
	region := Region{
		Polygons: []Ring{{{0, 0}, {0, 1}, {1, 1}, {0, 0}}},
	}

	fc := Assemble(30, region)
	require.Len(t, fc.Features, 1)

	f := fc.Features[0]
	assert.Equal(t, "isocrona", f.Properties["tipo"])
	assert.Equal(t, 30, f.Properties["tempo_min"])
	assert.True(t, f.Geometry.IsPolygon())
}

func TestAssemblePointProperties(t *testing.T) {
	region := Region{
		Points: []StopArrival{
			{Stop: spatial.Stop{ID: "s1", Name: "Stop One", Lat: 12.34, Lon: 56.78}, Delta: 4.26},
		},
	}

	fc := Assemble(30, region)
	require.Len(t, fc.Features, 1)

	f := fc.Features[0]
	assert.True(t, f.Geometry.IsPoint())
	assert.Equal(t, []float64{56.78, 12.34}, f.Geometry.Point)
	assert.Equal(t, "s1", f.Properties["stop_id"])
	assert.Equal(t, "Stop One", f.Properties["stop_name"])
	assert.Equal(t, 4.3, f.Properties["tempo_min"])
}

func TestRoundToOneDecimal(t *testing.T) {
	assert.Equal(t, 4.3, roundToOneDecimal(4.26))
	assert.Equal(t, 4.2, roundToOneDecimal(4.24))
	assert.Equal(t, 0.0, roundToOneDecimal(0))
}
