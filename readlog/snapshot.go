package readlog

import (
	"sort"
	"time"

	"locator-go/fusion"
	"locator-go/store"
)

// Snapshot returns the readings of device taken at or before until, most
// recent first, filtered by q exactly as store.ReadingStore.RecentReadings
// filters stored readings: anchor ids and venue narrow the set before Limit
// applies. Rows with equal timestamps favor the one written later. A zero
// until matches every record.
func Snapshot(records []Record, device string, q store.ReadingQuery, until time.Time) []fusion.Reading {
	var all []store.StoredReading
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.Device != device || (!until.IsZero() && r.Time.After(until)) {
			continue
		}
		all = append(all, store.StoredReading{
			Reading: fusion.Reading{AnchorID: r.Anchor, RSSI: r.RSSI, Timestamp: r.Time},
			Venue:   r.Venue,
		})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	return store.FilterReadings(all, q)
}
