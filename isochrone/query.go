package isochrone

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/go.geojson"

	"github.com/tidbyt-isochrone/gtfsiso/connection"
	"github.com/tidbyt-isochrone/gtfsiso/spatial"
	"github.com/tidbyt-isochrone/gtfsiso/storage"
)

// Query is a single reachable-area request: everywhere reachable from
// (Lat, Lon) departing at DepartureMinutes (minutes past midnight) on
// Weekday, within BudgetMinutes of travel time.
type Query struct {
	Lat, Lon        float64
	BudgetMinutes   int
	Weekday         time.Weekday
	DepartureMinutes int
}

func (q Query) validate() error {
	if q.BudgetMinutes <= 0 {
		return ErrInvalidInput
	}
	if q.DepartureMinutes < 0 || q.DepartureMinutes >= 24*60 {
		return ErrInvalidInput
	}
	if q.Weekday < time.Sunday || q.Weekday > time.Saturday {
		return ErrInvalidInput
	}
	if math.IsNaN(q.Lat) || math.IsNaN(q.Lon) || math.IsInf(q.Lat, 0) || math.IsInf(q.Lon, 0) {
		return ErrInvalidInput
	}
	return nil
}

// Engine answers isochrone queries against one feed's schedule data.
// The spatial index it holds is built once in NewEngine, connection
// tables are built lazily, and both are reused across queries; callers should keep one Engine
// per active feed rather than constructing one per request.
type Engine struct {
	reader storage.FeedReader
	index  *spatial.Index
	cache  *connection.Cache
}

// NewEngine builds the spatial index over reader's stops and wires up
// the connection-table cache. The index is built eagerly since every
// query needs it; connection tables are built lazily per
// (weekday, horizon bucket) on first use.
func NewEngine(reader storage.FeedReader) (*Engine, error) {
	index, err := buildSpatialIndex(reader)
	if err != nil {
		return nil, fmt.Errorf("building spatial index: %w", err)
	}

	provider := newStorageProvider(reader, index)

	return &Engine{
		reader: reader,
		index:  index,
		cache:  connection.NewCache(provider),
	}, nil
}

// Reset discards cached connection tables, for use after the
// underlying feed is replaced.
func (e *Engine) Reset() {
	e.cache.Reset()
}

// Run answers q: it fetches (or builds) the connection table for
// q.Weekday and a horizon wide enough for q's budget, searches for
// every stop reachable within budget, and assembles the result as a
// GeoJSON FeatureCollection.
//
// ctx.Err() is checked at connection-table build time and at regular
// intervals during the search. context.DeadlineExceeded and
// context.Canceled from the search propagate unwrapped; from the table
// build they come back wrapped by the cache, so test with errors.Is.
func (e *Engine) Run(ctx context.Context, q Query) (*geojson.FeatureCollection, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	horizon := q.DepartureMinutes + q.BudgetMinutes + horizonSlackMinutes

	table, err := e.cache.Get(ctx, q.Weekday, horizon)
	if err != nil {
		return nil, err
	}

	arrivals, err := Search(ctx, e.index, table, q.Lat, q.Lon, q.DepartureMinutes, q.BudgetMinutes)
	if err != nil {
		return nil, err
	}

	region := Synthesize(q.BudgetMinutes, arrivals)

	return Assemble(q.BudgetMinutes, region), nil
}
