package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidbyt-isochrone/gtfsiso/isochrone"
)

var isochroneCmd = &cobra.Command{
	Use:   "isochrone <lat> <lon> <budget_minutes>",
	Short: "Computes the area reachable by transit and walking within a time budget",
	Args:  cobra.ExactArgs(3),
	RunE:  isochroneRun,
}

var (
	isoDeparture time.Duration
	isoWeekday   string
)

func init() {
	isochroneCmd.Flags().DurationVarP(&isoDeparture, "departure", "t", 8*time.Hour, "Departure time of day")
	isochroneCmd.Flags().StringVarP(&isoWeekday, "weekday", "w", "", "Weekday to query (defaults to today)")
}

func isochroneRun(cmd *cobra.Command, args []string) error {
	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid lat: %w", err)
	}
	lon, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid lon: %w", err)
	}
	budget, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid budget_minutes: %w", err)
	}

	weekday := time.Now().Weekday()
	if isoWeekday != "" {
		parsed, err := parseWeekday(isoWeekday)
		if err != nil {
			return err
		}
		weekday = parsed
	}

	static, err := LoadStaticFeed()
	if err != nil {
		return err
	}

	engine, err := isochrone.NewEngine(static.Reader)
	if err != nil {
		return fmt.Errorf("building isochrone engine: %w", err)
	}

	fc, err := engine.Run(context.Background(), isochrone.Query{
		Lat:              lat,
		Lon:              lon,
		BudgetMinutes:    budget,
		Weekday:          weekday,
		DepartureMinutes: int(isoDeparture.Minutes()),
	})
	if err != nil {
		return fmt.Errorf("computing isochrone: %w", err)
	}

	out, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	fmt.Println(string(out))

	return nil
}

func parseWeekday(s string) (time.Weekday, error) {
	switch s {
	case "sunday", "sun":
		return time.Sunday, nil
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("invalid weekday: %q", s)
}
