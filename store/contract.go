package store

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locator-go/fusion"
	"locator-go/venue"
)

// RunStoreContract verifies that a Store implementation behaves like every
// other one. s must keep at least 10 readings per device.
func RunStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	newVenue := func(name string) fusion.Venue {
		return fusion.Venue{
			ID:          uuid.NewString(),
			Name:        name,
			Width:       20,
			Height:      10,
			Calibration: fusion.Calibration{OneMeterRSSI: -45.5, PropagationFactor: 2.1},
			Anchors:     venue.DefaultAnchors(20, 10),
		}
	}

	t.Run("Venue CRUD", func(t *testing.T) {
		v := newVenue("contract-office")
		require.NoError(t, s.CreateVenue(ctx, v))
		assert.ErrorIs(t, s.CreateVenue(ctx, v), ErrAlreadyExists)

		got, err := s.GetVenue(ctx, v.Name)
		require.NoError(t, err)
		assert.Equal(t, v, got)

		byID, err := s.GetVenueByID(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, v.Name, byID.Name)

		_, err = s.GetVenue(ctx, "contract-missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetVenueByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)

		renamed := got
		renamed.Name = "contract-lab"
		renamed.Calibration.PropagationFactor = 2.5
		require.NoError(t, s.UpdateVenue(ctx, v.Name, renamed))
		_, err = s.GetVenue(ctx, v.Name)
		assert.ErrorIs(t, err, ErrNotFound)
		got, err = s.GetVenue(ctx, "contract-lab")
		require.NoError(t, err)
		assert.Equal(t, 2.5, got.Calibration.PropagationFactor)
		byID, err = s.GetVenueByID(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, "contract-lab", byID.Name)

		require.NoError(t, s.CreateVenue(ctx, newVenue("contract-annex")))
		assert.ErrorIs(t, s.UpdateVenue(ctx, "contract-annex", renamed), ErrAlreadyExists)
		assert.ErrorIs(t, s.UpdateVenue(ctx, "contract-missing", renamed), ErrNotFound)

		list, err := s.ListVenues(ctx)
		require.NoError(t, err)
		names := make([]string, len(list))
		for i, l := range list {
			names[i] = l.Name
		}
		assert.Contains(t, names, "contract-lab")
		assert.Contains(t, names, "contract-annex")
		assert.True(t, sort.StringsAreSorted(names))

		require.NoError(t, s.DeleteVenue(ctx, "contract-lab"))
		require.NoError(t, s.DeleteVenue(ctx, "contract-annex"))
		assert.ErrorIs(t, s.DeleteVenue(ctx, "contract-lab"), ErrNotFound)
		_, err = s.GetVenueByID(ctx, v.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Venue copies are independent", func(t *testing.T) {
		v := newVenue("contract-copy")
		require.NoError(t, s.CreateVenue(ctx, v))
		defer s.DeleteVenue(ctx, v.Name)

		got, err := s.GetVenue(ctx, v.Name)
		require.NoError(t, err)
		got.Anchors["ESP32_1"] = fusion.Point{X: 99, Y: 99}

		again, err := s.GetVenue(ctx, v.Name)
		require.NoError(t, err)
		assert.Equal(t, fusion.Point{X: 0, Y: 5}, again.Anchors["ESP32_1"])
	})

	t.Run("Device CRUD", func(t *testing.T) {
		d := Device{MAC: "AA:00:00:00:00:01", Name: "badge", CreatedAt: base}
		require.NoError(t, s.CreateDevice(ctx, d))
		assert.ErrorIs(t, s.CreateDevice(ctx, d), ErrAlreadyExists)

		got, err := s.GetDevice(ctx, d.MAC)
		require.NoError(t, err)
		assert.Equal(t, "badge", got.Name)
		assert.Nil(t, got.LastRead)

		seen := base.Add(time.Minute)
		got.LastRead = &seen
		got.Name = "visitor badge"
		require.NoError(t, s.UpdateDevice(ctx, d.MAC, got))
		got, err = s.GetDevice(ctx, d.MAC)
		require.NoError(t, err)
		assert.Equal(t, "visitor badge", got.Name)
		require.NotNil(t, got.LastRead)
		assert.True(t, seen.Equal(*got.LastRead))

		list, err := s.ListDevices(ctx)
		require.NoError(t, err)
		macs := make([]string, len(list))
		for i, l := range list {
			macs[i] = l.MAC
		}
		assert.Contains(t, macs, d.MAC)

		require.NoError(t, s.DeleteDevice(ctx, d.MAC))
		_, err = s.GetDevice(ctx, d.MAC)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteDevice(ctx, d.MAC), ErrNotFound)
		assert.ErrorIs(t, s.UpdateDevice(ctx, d.MAC, d), ErrNotFound)
	})

	t.Run("Readings are most recent first", func(t *testing.T) {
		const mac = "AA:00:00:00:00:02"
		offsets := []int{3, 1, 4, 0, 2}
		for i, off := range offsets {
			require.NoError(t, s.AppendReading(ctx, mac, StoredReading{
				Reading: fusion.Reading{AnchorID: "ESP32_1", RSSI: -50 - i, Timestamp: base.Add(time.Duration(off) * time.Second)},
				Venue:   "office",
			}))
		}
		rs, err := s.RecentReadings(ctx, mac, ReadingQuery{})
		require.NoError(t, err)
		require.Len(t, rs, len(offsets))
		for i := 1; i < len(rs); i++ {
			assert.True(t, rs[i-1].Timestamp.After(rs[i].Timestamp), "index %d", i)
		}
		assert.Equal(t, -52, rs[0].RSSI)
		assert.True(t, base.Add(4*time.Second).Equal(rs[0].Timestamp))
	})

	t.Run("Equal timestamps favor the later append", func(t *testing.T) {
		const mac = "AA:00:00:00:00:03"
		for _, rssi := range []int{-60, -61, -62} {
			require.NoError(t, s.AppendReading(ctx, mac, StoredReading{
				Reading: fusion.Reading{AnchorID: "ESP32_2", RSSI: rssi, Timestamp: base},
			}))
		}
		rs, err := s.RecentReadings(ctx, mac, ReadingQuery{})
		require.NoError(t, err)
		require.Len(t, rs, 3)
		assert.Equal(t, []int{-62, -61, -60}, []int{rs[0].RSSI, rs[1].RSSI, rs[2].RSSI})
	})

	t.Run("Reading query filters", func(t *testing.T) {
		const mac = "AA:00:00:00:00:04"
		in := []StoredReading{
			{Reading: fusion.Reading{AnchorID: "ESP32_1", RSSI: -50, Timestamp: base.Add(1 * time.Second)}, Venue: "office"},
			{Reading: fusion.Reading{AnchorID: "ESP32_9", RSSI: -51, Timestamp: base.Add(2 * time.Second)}, Venue: "office"},
			{Reading: fusion.Reading{AnchorID: "ESP32_2", RSSI: -52, Timestamp: base.Add(3 * time.Second)}, Venue: "lab"},
			{Reading: fusion.Reading{AnchorID: "ESP32_3", RSSI: -53, Timestamp: base.Add(4 * time.Second)}, Venue: "office"},
		}
		for _, r := range in {
			require.NoError(t, s.AppendReading(ctx, mac, r))
		}

		rs, err := s.RecentReadings(ctx, mac, ReadingQuery{AnchorIDs: []string{"ESP32_1", "ESP32_2", "ESP32_3"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"ESP32_3", "ESP32_2", "ESP32_1"}, anchorsOf(rs))

		rs, err = s.RecentReadings(ctx, mac, ReadingQuery{Venue: "office"})
		require.NoError(t, err)
		assert.Equal(t, []string{"ESP32_3", "ESP32_9", "ESP32_1"}, anchorsOf(rs))

		rs, err = s.RecentReadings(ctx, mac, ReadingQuery{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"ESP32_3", "ESP32_2"}, anchorsOf(rs))

		rs, err = s.RecentReadings(ctx, "AA:FF:FF:FF:FF:FF", ReadingQuery{})
		require.NoError(t, err)
		assert.Empty(t, rs)
	})

	t.Run("History is oldest first", func(t *testing.T) {
		const mac = "AA:00:00:00:00:05"
		for _, off := range []int{2, 0, 1} {
			require.NoError(t, s.AppendHistory(ctx, HistoryRecord{
				ID:        uuid.NewString(),
				Device:    mac,
				Venue:     "office",
				X:         float64(off),
				Y:         1,
				Inputs:    []fusion.UsedAnchor{{AnchorID: "ESP32_1", RSSI: -50, EstimatedDistance: 4.9}},
				TrackedAt: base.Add(time.Duration(off) * time.Minute),
			}))
		}
		hs, err := s.History(ctx, mac)
		require.NoError(t, err)
		require.Len(t, hs, 3)
		assert.Equal(t, []float64{0, 1, 2}, []float64{hs[0].X, hs[1].X, hs[2].X})
		assert.Equal(t, "ESP32_1", hs[0].Inputs[0].AnchorID)
	})

	t.Run("Device rename moves readings and history", func(t *testing.T) {
		const oldMAC, newMAC = "AA:00:00:00:00:06", "AA:00:00:00:00:07"
		require.NoError(t, s.CreateDevice(ctx, Device{MAC: oldMAC, Name: "tag", CreatedAt: base}))
		require.NoError(t, s.AppendReading(ctx, oldMAC, StoredReading{
			Reading: fusion.Reading{AnchorID: "ESP32_4", RSSI: -40, Timestamp: base},
		}))
		require.NoError(t, s.AppendHistory(ctx, HistoryRecord{ID: uuid.NewString(), Device: oldMAC, TrackedAt: base}))

		require.NoError(t, s.UpdateDevice(ctx, oldMAC, Device{MAC: newMAC, Name: "tag", CreatedAt: base}))

		_, err := s.GetDevice(ctx, oldMAC)
		assert.ErrorIs(t, err, ErrNotFound)
		rs, err := s.RecentReadings(ctx, newMAC, ReadingQuery{})
		require.NoError(t, err)
		assert.Equal(t, []string{"ESP32_4"}, anchorsOf(rs))
		rs, err = s.RecentReadings(ctx, oldMAC, ReadingQuery{})
		require.NoError(t, err)
		assert.Empty(t, rs)

		hs, err := s.History(ctx, newMAC)
		require.NoError(t, err)
		require.Len(t, hs, 1)
		assert.Equal(t, newMAC, hs[0].Device)

		require.NoError(t, s.CreateDevice(ctx, Device{MAC: oldMAC, Name: "other", CreatedAt: base}))
		assert.ErrorIs(t, s.UpdateDevice(ctx, oldMAC, Device{MAC: newMAC}), ErrAlreadyExists)

		require.NoError(t, s.DeleteDevice(ctx, newMAC))
		hs, err = s.History(ctx, newMAC)
		require.NoError(t, err)
		assert.Empty(t, hs)
		rs, err = s.RecentReadings(ctx, newMAC, ReadingQuery{})
		require.NoError(t, err)
		assert.Empty(t, rs)
	})
}

func anchorsOf(rs []fusion.Reading) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.AnchorID
	}
	return out
}
