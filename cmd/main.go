package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidbyt-isochrone/gtfsiso"
	"github.com/tidbyt-isochrone/gtfsiso/storage"
)

var rootCmd = &cobra.Command{
	Use:          "gtfsiso",
	Short:        "GTFS isochrone tool",
	Long:         "Loads a GTFS static feed and computes transit isochrones",
	SilenceUsage: true,
}

var (
	staticURL string
	dbPath    string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&staticURL, "static-url", "", "", "GTFS Static feed URL")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "", ".", "Directory holding the on-disk sqlite cache")
	rootCmd.AddCommand(stopsCmd)
	rootCmd.AddCommand(departuresCmd)
	rootCmd.AddCommand(isochroneCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// LoadStaticFeed fetches (or reuses a cached copy of) the GTFS static
// feed at staticURL, parses it into an on-disk sqlite store, and
// returns the resulting Static handle.
func LoadStaticFeed() (*gtfs.Static, error) {
	if staticURL == "" {
		return nil, fmt.Errorf("--static-url is required")
	}

	s, err := storage.NewSQLiteStorage(storage.SQLiteConfig{OnDisk: true, Directory: dbPath})
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	manager := gtfs.NewManager(s)

	static, err := manager.LoadStatic(staticURL, time.Now())
	if err != nil {
		return nil, fmt.Errorf("loading static feed: %w", err)
	}

	return static, nil
}
