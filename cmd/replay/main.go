package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"locator-go/logging"
	"locator-go/readlog"
	"locator-go/server"
)

var rootCmd = &cobra.Command{
	Use:          "replay",
	Short:        "Replay a reading capture to a locator UDP listener",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().String("capture", "", "Input capture file (CSV)")
	rootCmd.Flags().String("dest", "127.0.0.1:44333", "Destination UDP address")
	rootCmd.Flags().Float64("speed", 1.0, "Replay speed multiplier (0 for max speed)")
	rootCmd.Flags().String("log-level", "info", "Log level")
	rootCmd.MarkFlagRequired("capture")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("capture")
	dest, _ := cmd.Flags().GetString("dest")
	speed, _ := cmd.Flags().GetFloat64("speed")
	lvl, _ := cmd.Flags().GetString("log-level")
	log := logging.New(lvl, "text")

	raddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return errors.Wrap(err, "invalid dest address")
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return errors.Wrap(err, "dial failed")
	}
	defer conn.Close()

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open capture failed")
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("Replaying %s to %s...", path, dest)
	rd := readlog.NewReader(f)
	var first time.Time
	startReal := time.Now()
	count := 0

	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if first.IsZero() {
			first = rec.Time
			startReal = time.Now()
		} else if speed > 0 {
			target := time.Duration(float64(rec.Time.Sub(first)) / speed)
			if wait := target - time.Since(startReal); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}

		payload, err := server.EncodeDatagram(server.ReadingInput{
			MAC:      rec.Device,
			RSSI:     strconv.Itoa(rec.RSSI),
			AnchorID: rec.Anchor,
			VenueID:  rec.Venue,
			Time:     rec.Time.Format(time.RFC3339Nano),
		})
		if err != nil {
			return err
		}
		if _, err := conn.Write(payload); err != nil {
			log.WithError(err).Warn("write error")
		}
		count++
		if count%1000 == 0 {
			log.Infof("Sent %d readings...", count)
		}
	}
	log.Infof("Done. Sent %d readings.", count)
	return nil
}
