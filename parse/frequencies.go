package parse

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/tidbyt-isochrone/gtfsiso/model"
	"github.com/tidbyt-isochrone/gtfsiso/storage"
)

type FrequencyCSV struct {
	TripID      string `csv:"trip_id"`
	StartTime   string `csv:"start_time"`
	EndTime     string `csv:"end_time"`
	HeadwaySecs int    `csv:"headway_secs"`
	// ExactTimes string `csv:"exact_times"`
}

// frequencies.txt times, unlike stop_times.txt, have no hard
// precedent for hours beyond 23 but the format is the same: "H:MM:SS"
// or "HH:MM:SS", with hour allowed to exceed 24 for trips past
// midnight.
func parseFrequencyTime(s string) (string, error) {
	split := strings.Split(s, ":")
	if len(split) != 3 {
		return "", fmt.Errorf("found %d parts in '%s'", len(split), s)
	}

	hms := [3]int{}
	for i, str := range split {
		j, err := strconv.Atoi(str)
		if err != nil {
			return "", fmt.Errorf("non-integer in '%s' pos %d", s, i)
		}
		hms[i] = j
	}

	if hms[0] < 0 || hms[0] > 99 {
		return "", fmt.Errorf("invalid hour in '%s'", s)
	}
	if hms[1] < 0 || hms[1] > 59 {
		return "", fmt.Errorf("invalid minute in '%s'", s)
	}
	if hms[2] < 0 || hms[2] > 59 {
		return "", fmt.Errorf("invalid second in '%s'", s)
	}

	return fmt.Sprintf("%02d%02d%02d", hms[0], hms[1], hms[2]), nil
}

// Parses frequencies.txt. Trips referenced here must have a
// stop-time template already loaded via stop_times.txt; the caller
// is expected to treat tripIDs as the set known from trips.txt.
func ParseFrequencies(
	writer storage.FeedWriter,
	data io.Reader,
	trips map[string]bool,
) error {
	frequencyCsv := []*FrequencyCSV{}
	if err := gocsv.Unmarshal(data, &frequencyCsv); err != nil {
		return fmt.Errorf("unmarshaling frequencies csv: %w", err)
	}

	for i, f := range frequencyCsv {
		if !trips[f.TripID] {
			return fmt.Errorf("unknown trip_id: '%s' (row %d)", f.TripID, i+1)
		}

		startTime, err := parseFrequencyTime(f.StartTime)
		if err != nil {
			return fmt.Errorf("parsing start_time (row %d): %w", i+1, err)
		}

		endTime, err := parseFrequencyTime(f.EndTime)
		if err != nil {
			return fmt.Errorf("parsing end_time (row %d): %w", i+1, err)
		}

		if startTime >= endTime {
			return fmt.Errorf("start_time not before end_time for trip_id '%s' (row %d)", f.TripID, i+1)
		}

		if f.HeadwaySecs <= 0 {
			return fmt.Errorf("invalid headway_secs for trip_id '%s' (row %d)", f.TripID, i+1)
		}

		err = writer.WriteFrequency(model.FrequencyRule{
			TripID:      f.TripID,
			StartTime:   startTime,
			EndTime:     endTime,
			HeadwaySecs: f.HeadwaySecs,
		})
		if err != nil {
			return fmt.Errorf("writing frequency (row %d): %w", i+1, err)
		}
	}

	return nil
}
