package main

import (
	"fmt"
	"time"

	colo "github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"locator-go/fusion"
	"locator-go/readlog"
	"locator-go/store"
	"locator-go/venue"
)

var solveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Locate a device offline from a reading capture",
	Long: `Solve loads a venue and a reading capture, takes the device's most recent
readings (optionally as of --at) and prints the anchors used and the fix.`,
	RunE: runSolve,
}

func init() {
	rootCmd.AddCommand(solveCmd)
	addVenueFlags(solveCmd)
	solveCmd.Flags().String("readings", "", "Reading capture (CSV)")
	solveCmd.Flags().String("device", "", "Device MAC address")
	solveCmd.Flags().String("at", "", "Solve as of this RFC 3339 time (default: end of capture)")
	solveCmd.MarkFlagRequired("readings")
	solveCmd.MarkFlagRequired("device")
}

func addVenueFlags(cmd *cobra.Command) {
	cmd.Flags().String("venue", "", "Venues file (YAML or JSON)")
	cmd.Flags().String("place", "", "Venue name within the file")
	cmd.MarkFlagRequired("venue")
	cmd.MarkFlagRequired("place")
}

func loadVenue(cmd *cobra.Command) (fusion.Venue, error) {
	path, _ := cmd.Flags().GetString("venue")
	name, _ := cmd.Flags().GetString("place")
	venues, err := venue.LoadFile(path)
	if err != nil {
		return fusion.Venue{}, err
	}
	for _, v := range venues {
		if v.Name == name {
			return v, nil
		}
	}
	return fusion.Venue{}, errors.Errorf("venue %q not found in %s", name, path)
}

func runSolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	v, err := loadVenue(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("readings")
	device, _ := cmd.Flags().GetString("device")

	var until time.Time
	if at, _ := cmd.Flags().GetString("at"); at != "" {
		until, err = time.Parse(time.RFC3339, at)
		if err != nil {
			return errors.Wrap(err, "--at")
		}
	}

	records, err := readlog.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	lc := cfg.LocatorConfig()
	locator, err := fusion.NewLocator(lc)
	if err != nil {
		return err
	}
	q := store.ReadingQuery{AnchorIDs: v.AnchorIDs(), Limit: lc.ReadingBufferSize}
	if cfg.Locate.FilterByVenue {
		q.Venue = v.Name
	}
	readings := readlog.Snapshot(records, device, q, until)
	est, err := locator.Locate(cmd.Context(), v, readings, fusion.LocateOptions{})
	if err != nil {
		return err
	}

	tbl := table.New("ANCHOR", "X", "Y", "RSSI", "DISTANCE (m)").WithWriter(cmd.OutOrStdout())
	tbl.WithHeaderFormatter(colo.New(colo.BgHiBlue, colo.FgHiWhite).SprintfFunc())
	for _, u := range est.UsedAnchors {
		a := v.Anchors[u.AnchorID]
		tbl.AddRow(u.AnchorID, fmt.Sprintf("%.2f", a.X), fmt.Sprintf("%.2f", a.Y), u.RSSI, fmt.Sprintf("%.3f", u.EstimatedDistance))
	}
	tbl.Print()

	fix := colo.New(colo.FgHiGreen).SprintfFunc()
	if !v.Contains(est.Point()) {
		fix = colo.New(colo.FgHiYellow).SprintfFunc()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s  %s  x=%s y=%s\n", device, v.Name, fix("%.2f", est.X), fix("%.2f", est.Y))
	fmt.Fprintf(cmd.OutOrStdout(), "state=%s iterations=%d cost=%.4f hdop=%.2f\n", est.State, est.Iterations, est.Cost, est.HDOP)
	return nil
}
