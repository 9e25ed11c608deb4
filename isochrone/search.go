// Package isochrone computes the earliest-arrival labels reachable
// from an origin within a time budget, and turns them into a
// GeoJSON reachable-area result.
package isochrone

import (
	"container/heap"
	"context"
	"errors"
	"math"

	"github.com/tidbyt-isochrone/gtfsiso/connection"
	"github.com/tidbyt-isochrone/gtfsiso/geo"
	"github.com/tidbyt-isochrone/gtfsiso/spatial"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNoOrigin     = errors.New("no stop within walking distance of origin")
)

// Horizon slack: near-horizon connections remain representable in
// the table even though they depart after the query's strict budget
// cutoff.
const horizonSlackMinutes = 5

// StopArrival is one reached stop and its earliest arrival minute,
// relative to the query's departure minute.
type StopArrival struct {
	Stop  spatial.Stop
	Delta float64 // arrival minute - departure minute
}

type stopLabel struct {
	stop spatial.Stop
	t    float64
}

// heap of (arrival minute, stop) pairs, ordered earliest-first.
type labelHeap []stopLabel

func (h labelHeap) Len() int            { return len(h) }
func (h labelHeap) Less(i, j int) bool  { return h[i].t < h[j].t }
func (h labelHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *labelHeap) Push(x interface{}) { *h = append(*h, x.(stopLabel)) }
func (h *labelHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Search runs the label-setting earliest-arrival search from origin,
// returning every stop reachable within budget minutes of departure.
// The connection table and stop index are treated as immutable
// inputs; Search performs no I/O and is safe to call concurrently
// for independent queries sharing the same table and index.
func Search(
	ctx context.Context,
	index *spatial.Index,
	table *connection.Table,
	lat, lon float64,
	departureMinute, budget int,
) (map[string]StopArrival, error) {
	if budget <= 0 {
		return nil, ErrInvalidInput
	}
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return nil, ErrInvalidInput
	}

	arr := map[string]float64{}
	stops := map[string]spatial.Stop{}
	h := &labelHeap{}
	heap.Init(h)

	seeds := index.WithinRadius(lat, lon, geo.RWalkMetres)
	if len(seeds) == 0 {
		return map[string]StopArrival{}, ErrNoOrigin
	}

	for _, s := range seeds {
		dist := geo.Haversine(lat, lon, s.Lat, s.Lon)
		t := float64(departureMinute) + geo.WalkMinutes(dist)
		if existing, ok := arr[s.ID]; !ok || t < existing {
			arr[s.ID] = t
			stops[s.ID] = s
			heap.Push(h, stopLabel{stop: s, t: t})
		}
	}

	budgetLimit := float64(departureMinute) + float64(budget)
	horizonLimit := float64(departureMinute + budget + horizonSlackMinutes)

	popCount := 0
	for h.Len() > 0 {
		popCount++
		if popCount%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		cur := heap.Pop(h).(stopLabel)

		if cur.t > arr[cur.stop.ID] {
			continue // stale
		}
		if cur.t-float64(departureMinute) > float64(budget) {
			continue // out of budget
		}

		// Walk relaxation: every stop within RWalkMetres of the
		// current stop, excluding itself.
		for _, s2 := range index.WithinRadius(cur.stop.Lat, cur.stop.Lon, geo.RWalkMetres) {
			if s2.ID == cur.stop.ID {
				continue
			}
			dist := geo.Haversine(cur.stop.Lat, cur.stop.Lon, s2.Lat, s2.Lon)
			t2 := cur.t + geo.WalkMinutes(dist)
			if t2 > budgetLimit {
				continue
			}
			if existing, ok := arr[s2.ID]; !ok || t2 < existing {
				arr[s2.ID] = t2
				stops[s2.ID] = s2
				heap.Push(h, stopLabel{stop: s2, t: t2})
			}
		}

		// Transit relaxation, via the stop's compact integer id.
		depID, ok := index.IntID(cur.stop.ID)
		if !ok {
			continue
		}
		for _, idx := range table.ByDepStop[depID] {
			c := table.Connections[idx]
			if float64(c.DepMinute) < cur.t {
				continue // cannot board
			}
			if float64(c.DepMinute) > horizonLimit {
				continue // beyond horizon
			}

			arrStop, ok := index.StopByIntID(c.ArrStop)
			if !ok {
				continue
			}

			t2 := float64(c.ArrMinute)
			if existing, ok := arr[arrStop.ID]; !ok || t2 < existing {
				arr[arrStop.ID] = t2
				stops[arrStop.ID] = arrStop
				heap.Push(h, stopLabel{stop: arrStop, t: t2})
			}
		}
	}

	result := map[string]StopArrival{}
	for id, t := range arr {
		delta := t - float64(departureMinute)
		if delta <= float64(budget) {
			result[id] = StopArrival{Stop: stops[id], Delta: delta}
		}
	}

	return result, nil
}
