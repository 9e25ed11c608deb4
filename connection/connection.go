// Package connection materialises a service-day's transit schedule
// into a time-sorted list of connections, expanding frequency-based
// trips into their replayed departures.
package connection

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// A single boarded hop between two consecutive stops of one trip
// instance.
type Connection struct {
	DepStop, ArrStop     int
	DepMinute, ArrMinute int
}

// The materialised schedule for one service-day and horizon: a
// time-sorted connection list plus an index from departure stop to
// the positions of connections leaving it.
type Table struct {
	Connections []Connection
	ByDepStop   map[int][]int
}

// StopTime is the minimal shape of a stop_times.txt row this package
// needs, with stop already resolved to the spatial index's compact
// integer id.
type StopTime struct {
	TripID       string
	Stop         int
	StopSequence uint32
	Arrival      int // minutes past service-day midnight, or -1 if null
	Departure    int // minutes past service-day midnight, or -1 if null
}

// Frequency is one frequencies.txt rule, with minutes already
// resolved from the GTFS HHMMSS representation.
type Frequency struct {
	TripID         string
	StartMinute    int
	EndMinute      int
	HeadwayMinutes int
}

// Provider is the slice of a schedule store this package needs to
// build a Table: active services for a weekday, their stop-times
// ordered by (trip_id, stop_sequence), and any frequency rules for
// the trips involved.
type Provider interface {
	ActiveServices(weekday time.Weekday) ([]string, error)
	StopTimesForServices(serviceIDs []string) ([]StopTime, error)
	FrequenciesForTrips(tripIDs []string) ([]Frequency, error)
}

func effectiveDeparture(st *StopTime) int {
	if st.Departure >= 0 {
		return st.Departure
	}
	return st.Arrival
}

func effectiveArrival(st *StopTime) int {
	if st.Arrival >= 0 {
		return st.Arrival
	}
	return st.Departure
}

// tripTemplate is the per-trip stop list and cumulative offsets
// recorded during the first pass over stop-times, used to replay
// frequency-expanded trips.
type tripTemplate struct {
	stops   []int
	offsets []int // offsets[i] = minutes since the trip's first valid departure
}

// Build materialises the connection table for the given weekday and
// horizon (absolute minutes past service-day midnight). Horizon only
// bounds frequency replay: bases after it are not replayed, though
// later segments of a replayed base may still depart after it.
// Connections of trips without a frequency rule are all included,
// whatever their departure minute; callers wanting a hard cutoff
// should filter the returned table.
func Build(ctx context.Context, provider Provider, weekday time.Weekday, horizon int) (*Table, error) {
	serviceIDs, err := provider.ActiveServices(weekday)
	if err != nil {
		return nil, fmt.Errorf("getting active services: %w", err)
	}

	stopTimes, err := provider.StopTimesForServices(serviceIDs)
	if err != nil {
		return nil, fmt.Errorf("getting stop times: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	templates := map[string]*tripTemplate{}
	literal := map[string][]Connection{}

	// Stream stop-times, already ordered by (trip_id, stop_sequence)
	// per the provider contract. Walk consecutive pairs within a
	// trip, recording one literal connection per pair plus the
	// trip's stop list and cumulative offsets for frequency replay.
	// Literal connections are held per trip rather than appended
	// straight to the table: a trip governed by a frequencies.txt
	// rule has its stop_times rows as a replay template only, not a
	// real scheduled departure, and is dropped once that's known.
	var prev *StopTime
	var prevTripFirstDeparture int
	for i := range stopTimes {
		st := &stopTimes[i]

		if st.Arrival < 0 && st.Departure < 0 {
			// Both times null: dropped per the data model.
			prev = nil
			continue
		}

		tmpl, ok := templates[st.TripID]
		if !ok {
			tmpl = &tripTemplate{}
			templates[st.TripID] = tmpl
			prevTripFirstDeparture = effectiveDeparture(st)
		}
		tmpl.stops = append(tmpl.stops, st.Stop)
		tmpl.offsets = append(tmpl.offsets, effectiveDeparture(st)-prevTripFirstDeparture)

		if prev != nil && prev.TripID == st.TripID {
			literal[st.TripID] = append(literal[st.TripID], Connection{
				DepStop:   prev.Stop,
				ArrStop:   st.Stop,
				DepMinute: effectiveDeparture(prev),
				ArrMinute: effectiveArrival(st),
			})
		}

		prev = st
	}

	tripIDs := make([]string, 0, len(templates))
	for tripID := range templates {
		tripIDs = append(tripIDs, tripID)
	}

	frequencies, err := provider.FrequenciesForTrips(tripIDs)
	if err != nil {
		return nil, fmt.Errorf("getting frequencies: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	connections := []Connection{}

	// A trip named in frequencies.txt has its stop_times rows as a
	// replay template only, even if the rule itself turns out to be
	// invalid (non-positive headway, or too short a template to
	// replay): it never produces a literal connection of its own.
	hasFrequencyRule := map[string]bool{}
	for _, freq := range frequencies {
		hasFrequencyRule[freq.TripID] = true
	}

	for _, freq := range frequencies {
		if freq.HeadwayMinutes <= 0 {
			continue
		}

		tmpl, ok := templates[freq.TripID]
		if !ok || len(tmpl.stops) < 2 {
			continue
		}

		for base := freq.StartMinute; base <= freq.EndMinute && base <= horizon; base += freq.HeadwayMinutes {
			for i := 0; i < len(tmpl.stops)-1; i++ {
				connections = append(connections, Connection{
					DepStop:   tmpl.stops[i],
					ArrStop:   tmpl.stops[i+1],
					DepMinute: base + tmpl.offsets[i],
					ArrMinute: base + tmpl.offsets[i+1],
				})
			}
		}
	}

	for tripID, conns := range literal {
		if hasFrequencyRule[tripID] {
			continue
		}
		connections = append(connections, conns...)
	}

	sort.Slice(connections, func(i, j int) bool {
		return connections[i].DepMinute < connections[j].DepMinute
	})

	byDepStop := map[int][]int{}
	for i, c := range connections {
		byDepStop[c.DepStop] = append(byDepStop[c.DepStop], i)
	}

	return &Table{
		Connections: connections,
		ByDepStop:   byDepStop,
	}, nil
}
