package spatial

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureStops() []Stop {
	return []Stop{
		{ID: "A", Name: "Stop A", Lat: 0, Lon: 0},
		{ID: "B", Name: "Stop B", Lat: 0, Lon: 0.002},
		{ID: "C", Name: "Stop C", Lat: 0, Lon: 0.020},
		{ID: "D", Name: "Stop D", Lat: 0, Lon: 0.022},
	}
}

func TestBuildDropsInvalidPositions(t *testing.T) {
	stops := append(fixtureStops(), Stop{ID: "bad", Lat: math.NaN(), Lon: 1})
	ix := Build(stops)

	_, ok := ix.IntID("bad")
	assert.False(t, ok)

	for _, id := range []string{"A", "B", "C", "D"} {
		_, ok := ix.IntID(id)
		assert.True(t, ok, id)
	}
}

func TestIntIDRoundTrip(t *testing.T) {
	ix := Build(fixtureStops())

	for _, id := range []string{"A", "B", "C", "D"} {
		intID, ok := ix.IntID(id)
		require.True(t, ok)

		stop, ok := ix.StopByIntID(intID)
		require.True(t, ok)
		assert.Equal(t, id, stop.ID)
	}

	_, ok := ix.StopByIntID(-1)
	assert.False(t, ok)
	_, ok = ix.StopByIntID(999)
	assert.False(t, ok)
}

func TestNearest(t *testing.T) {
	ix := Build(fixtureStops())

	stop, ok := ix.Nearest(0, 0.0005)
	require.True(t, ok)
	assert.Equal(t, "A", stop.ID)

	stop, ok = ix.Nearest(0, 0.021)
	require.True(t, ok)
	assert.Equal(t, "D", stop.ID)
}

func TestWithinRadius(t *testing.T) {
	ix := Build(fixtureStops())

	// A-B are about 222m apart; a 300m radius from A should include
	// both A and B but not C or D.
	nearA := ix.WithinRadius(0, 0, 300)
	ids := map[string]bool{}
	for _, s := range nearA {
		ids[s.ID] = true
	}
	assert.True(t, ids["A"])
	assert.True(t, ids["B"])
	assert.False(t, ids["C"])
	assert.False(t, ids["D"])
}

func TestWithinRadiusEmpty(t *testing.T) {
	ix := Build(fixtureStops())
	assert.Empty(t, ix.WithinRadius(10, 10, 300))
}
