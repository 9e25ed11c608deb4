package isochrone

import (
	"math"

	"github.com/paulmach/go.geojson"
)

// featureTypeIsochrone is the "tipo" property stamped on the
// reachable-area polygon features.
const featureTypeIsochrone = "isocrona"

// Assemble turns a synthesised region into the result's
// FeatureCollection: one polygon feature per connected reachable area,
// tagged with the query's budget, and one point feature per reached
// stop, tagged with its rounded arrival delta.
func Assemble(budget int, region Region) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for _, ring := range region.Polygons {
		coords := [][][]float64{ringCoords(ring)}
		f := geojson.NewPolygonFeature(coords)
		f.SetProperty("tipo", featureTypeIsochrone)
		f.SetProperty("tempo_min", budget)
		fc.AddFeature(f)
	}

	for _, a := range region.Points {
		f := geojson.NewPointFeature([]float64{a.Stop.Lon, a.Stop.Lat})
		f.SetProperty("stop_id", a.Stop.ID)
		f.SetProperty("stop_name", a.Stop.Name)
		f.SetProperty("tempo_min", roundToOneDecimal(a.Delta))
		fc.AddFeature(f)
	}

	return fc
}

func ringCoords(ring Ring) [][]float64 {
	coords := make([][]float64, len(ring))
	for i, p := range ring {
		coords[i] = []float64{p[0], p[1]}
	}
	return coords
}

func roundToOneDecimal(v float64) float64 {
	return math.Round(v*10) / 10
}
