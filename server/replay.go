package server

import (
	"context"
	"io"
	"os"
	"strconv"
	"time"

	"locator-go/readlog"
)

// Replay feeds a capture into the service, keeping the original spacing
// between readings divided by speed (speed <= 0 means no delay). Readings
// keep their captured timestamps. It returns the number of readings ingested.
func (s *Service) Replay(ctx context.Context, path string, speed float64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return s.ReplayFrom(ctx, f, speed)
}

func (s *Service) ReplayFrom(ctx context.Context, r io.Reader, speed float64) (int, error) {
	rd := readlog.NewReader(r)
	s.log.Infof("Replaying capture at %.1fx speed...", speed)

	var first time.Time
	startReal := time.Now()
	count := 0

	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, err
		}

		if first.IsZero() {
			first = rec.Time
			startReal = time.Now()
		} else if speed > 0 {
			target := time.Duration(float64(rec.Time.Sub(first)) / speed)
			if wait := target - time.Since(startReal); wait > 0 {
				select {
				case <-ctx.Done():
					return count, ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return count, err
		}

		_, err = s.IngestReading(ctx, ReadingInput{
			MAC:      rec.Device,
			RSSI:     strconv.Itoa(rec.RSSI),
			AnchorID: rec.Anchor,
			VenueID:  rec.Venue,
			Time:     rec.Time.Format(time.RFC3339Nano),
		})
		if err != nil {
			s.log.WithError(err).Warn("replayed reading rejected")
			continue
		}
		count++
	}
	s.log.Infof("Replay ended. Total readings: %d", count)
	return count, nil
}
