package main

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat/distuv"

	"locator-go/fusion"
	"locator-go/readlog"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Emit synthetic readings for a tag at a known position",
	Long: `Simulate inverts the venue's signal model to produce the RSSI each anchor
would report for a tag at (--x, --y), written as capture lines on stdout.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	addVenueFlags(simulateCmd)
	simulateCmd.Flags().Float64("x", 0, "Tag x in meters")
	simulateCmd.Flags().Float64("y", 0, "Tag y in meters")
	simulateCmd.Flags().Float64("noise", 0, "Standard deviation of Gaussian RSSI noise in dB")
	simulateCmd.Flags().String("device", "00:00:00:00:00:01", "Device MAC address")
	simulateCmd.Flags().Int("rounds", 1, "Readings per anchor, one second apart")
	simulateCmd.Flags().String("at", "", "Timestamp of the first round, RFC 3339 (default now)")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	v, err := loadVenue(cmd)
	if err != nil {
		return err
	}
	x, _ := cmd.Flags().GetFloat64("x")
	y, _ := cmd.Flags().GetFloat64("y")
	noise, _ := cmd.Flags().GetFloat64("noise")
	device, _ := cmd.Flags().GetString("device")
	rounds, _ := cmd.Flags().GetInt("rounds")
	if noise < 0 {
		return errors.New("--noise must not be negative")
	}

	start := time.Now().UTC()
	if at, _ := cmd.Flags().GetString("at"); at != "" {
		if start, err = time.Parse(time.RFC3339, at); err != nil {
			return errors.Wrap(err, "--at")
		}
	}

	model, err := fusion.PathLossFor(v.Calibration)
	if err != nil {
		return err
	}
	tag := fusion.Point{X: x, Y: y}
	ids := v.AnchorIDs()
	sort.Strings(ids)
	jitter := distuv.Normal{Mu: 0, Sigma: noise}

	w, err := readlog.NewWriter(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer w.Close()
	for round := 0; round < rounds; round++ {
		ts := start.Add(time.Duration(round) * time.Second)
		for _, id := range ids {
			rssi := model.RSSIAt(tag.Dist(v.Anchors[id]))
			if noise > 0 {
				rssi += jitter.Rand()
			}
			rec := readlog.Record{Time: ts, Device: device, Venue: v.Name, Anchor: id, RSSI: int(math.Round(rssi))}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
	}
	return nil
}
