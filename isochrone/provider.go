package isochrone

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/tidbyt-isochrone/gtfsiso/connection"
	"github.com/tidbyt-isochrone/gtfsiso/spatial"
	"github.com/tidbyt-isochrone/gtfsiso/storage"
)

// storageProvider adapts a storage.FeedReader into the narrower
// connection.Provider a Table build needs, resolving stop_ids to the
// spatial index's compact integer ids and GTFS time strings to plain
// minutes. GTFS calendars apply to specific dates, not bare weekdays,
// so ActiveServices resolves the requested weekday to the nearest
// matching date (today, or the next occurrence within the week
// ahead) before querying the reader.
type storageProvider struct {
	reader storage.FeedReader
	index  *spatial.Index
	now    func() time.Time
}

func newStorageProvider(reader storage.FeedReader, index *spatial.Index) *storageProvider {
	return &storageProvider{reader: reader, index: index, now: time.Now}
}

func (p *storageProvider) ActiveServices(weekday time.Weekday) ([]string, error) {
	date := nearestDateForWeekday(p.now(), weekday)
	return p.reader.ActiveServices(date)
}

// nearestDateForWeekday returns the YYYYMMDD date of the next
// occurrence of weekday on or after from, within the next 7 days.
func nearestDateForWeekday(from time.Time, weekday time.Weekday) string {
	offset := (int(weekday) - int(from.Weekday()) + 7) % 7
	return from.AddDate(0, 0, offset).Format("20060102")
}

func (p *storageProvider) StopTimesForServices(serviceIDs []string) ([]connection.StopTime, error) {
	active := make(map[string]bool, len(serviceIDs))
	for _, id := range serviceIDs {
		active[id] = true
	}

	trips, err := p.reader.Trips()
	if err != nil {
		return nil, fmt.Errorf("listing trips: %w", err)
	}

	tripService := make(map[string]string, len(trips))
	for _, t := range trips {
		tripService[t.ID] = t.ServiceID
	}

	raw, err := p.reader.StopTimes()
	if err != nil {
		return nil, fmt.Errorf("listing stop times: %w", err)
	}

	out := make([]connection.StopTime, 0, len(raw))
	for _, st := range raw {
		if !active[tripService[st.TripID]] {
			continue
		}
		stopID, ok := p.index.IntID(st.StopID)
		if !ok {
			continue
		}
		out = append(out, connection.StopTime{
			TripID:       st.TripID,
			Stop:         stopID,
			StopSequence: st.StopSequence,
			Arrival:      hhmmssToMinutes(st.Arrival),
			Departure:    hhmmssToMinutes(st.Departure),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TripID != out[j].TripID {
			return out[i].TripID < out[j].TripID
		}
		return out[i].StopSequence < out[j].StopSequence
	})

	return out, nil
}

func (p *storageProvider) FrequenciesForTrips(tripIDs []string) ([]connection.Frequency, error) {
	rules, err := p.reader.Frequencies(tripIDs)
	if err != nil {
		return nil, fmt.Errorf("listing frequencies: %w", err)
	}

	out := make([]connection.Frequency, 0, len(rules))
	for i := range rules {
		r := &rules[i]
		out = append(out, connection.Frequency{
			TripID:         r.TripID,
			StartMinute:    r.StartMinute(),
			EndMinute:      r.EndMinute(),
			HeadwayMinutes: r.HeadwayMinutes(),
		})
	}

	return out, nil
}

// hhmmssToMinutes converts a stored HHMMSS time string (as in
// model.StopTime) to whole minutes past service-day midnight, dropping
// the seconds, or -1 for an unset (null) or malformed time. Hours
// may exceed 23 for post-midnight service, per the data model.
func hhmmssToMinutes(s string) int {
	if len(s) != 6 {
		return -1
	}
	h, errH := strconv.Atoi(s[0:2])
	m, errM := strconv.Atoi(s[2:4])
	if errH != nil || errM != nil {
		return -1
	}
	return h*60 + m
}

// buildSpatialIndex converts the reader's stops into the spatial
// package's representation.
func buildSpatialIndex(reader storage.FeedReader) (*spatial.Index, error) {
	stops, err := reader.Stops()
	if err != nil {
		return nil, fmt.Errorf("listing stops: %w", err)
	}

	spatialStops := make([]spatial.Stop, 0, len(stops))
	for _, s := range stops {
		spatialStops = append(spatialStops, spatial.Stop{
			ID:   s.ID,
			Name: s.Name,
			Lat:  s.Lat,
			Lon:  s.Lon,
		})
	}

	return spatial.Build(spatialStops), nil
}
