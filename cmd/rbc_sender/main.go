package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"locator-go/fusion"
	"locator-go/logging"
	"locator-go/rbc"
	"locator-go/server"
)

// rbc_sender pushes synthetic fixes and warnings to rbc consumers so a
// downstream integration can be checked without anchors or tags.
var rootCmd = &cobra.Command{
	Use:          "rbc_sender",
	Short:        "Send synthetic position and warning lines to rbc consumers",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().String("udp", "127.0.0.1:5555", "UDP destination for positions (empty to skip)")
	rootCmd.Flags().String("tcp", "127.0.0.1:6666", "TCP destination for warnings (empty to skip)")
	rootCmd.Flags().String("hdr", "", "Header prefixed to every line")
	rootCmd.Flags().String("device", "00:00:00:00:00:01", "Device MAC in the generated lines")
	rootCmd.Flags().String("place", "Office", "Venue name in the generated lines")
	rootCmd.Flags().Duration("interval", time.Second, "Delay between fixes")
	rootCmd.Flags().Int("warn-every", 5, "Send a warning every N fixes (0 disables)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	udpAddr, _ := cmd.Flags().GetString("udp")
	tcpAddr, _ := cmd.Flags().GetString("tcp")
	hdr, _ := cmd.Flags().GetString("hdr")
	device, _ := cmd.Flags().GetString("device")
	place, _ := cmd.Flags().GetString("place")
	interval, _ := cmd.Flags().GetDuration("interval")
	warnEvery, _ := cmd.Flags().GetInt("warn-every")
	log := logging.New("info", "text")

	sender := rbc.NewSender(log)
	sender.SetHeader(hdr)
	if udpAddr != "" {
		if err := sender.AddUDPSender(udpAddr, rbc.FlagPosition); err != nil {
			return errors.Wrap(err, "add UDP sender")
		}
	}
	if tcpAddr != "" {
		sender.AddTCPSender(tcpAddr, rbc.FlagWarning)
	}
	if err := sender.Start(); err != nil {
		return errors.Wrap(err, "start sender")
	}
	defer sender.Stop()
	fwd := server.NewForwarder(sender)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info("Sender started. Press Ctrl+C to exit.")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 1; ; i++ {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			// walk a 4 m circle around (5, 5)
			angle := float64(i) * math.Pi / 12
			fwd.Publish(server.Location{
				MAC:       device,
				Venue:     place,
				X:         5 + 4*math.Cos(angle),
				Y:         5 + 4*math.Sin(angle),
				Seq:       uint32(i),
				TrackedAt: now.UTC(),
			})
			if warnEvery > 0 && i%warnEvery == 0 {
				fwd.PublishFailure(device, place, now.UTC(), &fusion.InsufficientAnchorsError{Found: 2, Required: 3})
			}
		}
	}
}
