package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locator-go/fusion"
	"locator-go/logging"
	"locator-go/store"
	"locator-go/venue"
)

const testMAC = "AA:BB:CC:DD:EE:FF"

var testNow = time.Date(2025, 3, 14, 14, 27, 53, 0, time.UTC)

type recordingPublisher struct {
	mu       sync.Mutex
	fixes    []Location
	failures []error
}

func (p *recordingPublisher) Publish(loc Location) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixes = append(p.fixes, loc)
}

func (p *recordingPublisher) PublishFailure(_, _ string, _ time.Time, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, err)
}

type countingObserver struct {
	mu              sync.Mutex
	ingests, errors int
	locates         int
	lastLocateErr   error
}

func (o *countingObserver) ObserveIngest(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ingests++
	if err != nil {
		o.errors++
	}
}

func (o *countingObserver) ObserveLocate(_ fusion.PositionEstimate, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.locates++
	o.lastLocateErr = err
}

type fixture struct {
	svc    *Service
	store  *store.Memory
	pub    *recordingPublisher
	obs    *countingObserver
	office fusion.Venue
}

func officeSpec() venue.Spec {
	return venue.Spec{Name: "Office", Width: 20, Height: 10, OneMeterRSSI: -45.5, PropagationFactor: 2.1}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemory(0),
		pub:   &recordingPublisher{},
		obs:   &countingObserver{},
	}
	loc, err := fusion.NewLocator(fusion.DefaultLocatorConfig())
	require.NoError(t, err)

	opts = append([]Option{
		WithLogger(logging.NewNop()),
		WithPublisher(f.pub),
		WithObserver(f.obs),
		WithClock(func() time.Time { return testNow }),
	}, opts...)
	f.svc = NewService(f.store, loc, opts...)

	ctx := context.Background()
	f.office, err = f.svc.CreateVenue(ctx, officeSpec())
	require.NoError(t, err)
	_, err = f.svc.CreateDevice(ctx, testMAC, "badge")
	require.NoError(t, err)
	return f
}

// ingest stores the pairs oldest first, one second apart, so the last pair
// is the freshest reading.
func (f *fixture) ingest(t *testing.T, venueRef string, pairs ...any) {
	t.Helper()
	base := testNow.Add(-time.Minute)
	for i := 0; i < len(pairs); i += 2 {
		_, err := f.svc.IngestReading(context.Background(), ReadingInput{
			MAC:      testMAC,
			RSSI:     pairs[i+1].(string),
			AnchorID: pairs[i].(string),
			VenueID:  venueRef,
			Time:     base.Add(time.Duration(i/2) * time.Second).Format(time.RFC3339),
		})
		require.NoError(t, err)
	}
}

func TestIngestReading(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.IngestReading(ctx, ReadingInput{
		MAC: testMAC, RSSI: "-61", AnchorID: "ESP32_1", VenueID: f.office.ID, Time: "2025-03-14T14:00:00",
	})
	require.NoError(t, err)
	assert.Equal(t, ReadingRecord{
		Device:   testMAC,
		AnchorID: "ESP32_1",
		Venue:    "Office",
		RSSI:     -61,
		ReadAt:   time.Date(2025, 3, 14, 14, 0, 0, 0, time.UTC),
	}, rec)

	d, err := f.svc.GetDevice(ctx, testMAC)
	require.NoError(t, err)
	require.NotNil(t, d.LastRead)
	assert.True(t, rec.ReadAt.Equal(*d.LastRead))

	// By venue name, without a timestamp: stamped with the service clock.
	rec, err = f.svc.IngestReading(ctx, ReadingInput{MAC: testMAC, RSSI: "-70dBm", AnchorID: "ESP32_2", VenueID: "Office"})
	require.NoError(t, err)
	assert.Equal(t, -70, rec.RSSI)
	assert.True(t, testNow.Equal(rec.ReadAt))

	// An older reading does not move LastRead back.
	_, err = f.svc.IngestReading(ctx, ReadingInput{MAC: testMAC, RSSI: "-50", AnchorID: "ESP32_3", VenueID: "Office", Time: "1700000000"})
	require.NoError(t, err)
	d, err = f.svc.GetDevice(ctx, testMAC)
	require.NoError(t, err)
	assert.True(t, testNow.Equal(*d.LastRead))

	rs, err := f.store.RecentReadings(ctx, testMAC, store.ReadingQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ESP32_2", "ESP32_1", "ESP32_3"}, []string{rs[0].AnchorID, rs[1].AnchorID, rs[2].AnchorID})
	assert.Equal(t, 3, f.obs.ingests)
	assert.Zero(t, f.obs.errors)
}

func TestIngestReading_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok := ReadingInput{MAC: testMAC, RSSI: "-61", AnchorID: "ESP32_1", VenueID: "Office"}

	tests := []struct {
		name    string
		mutate  func(in *ReadingInput)
		wantErr error
	}{
		{"unknown device", func(in *ReadingInput) { in.MAC = "00:00:00:00:00:00" }, store.ErrNotFound},
		{"unknown venue name", func(in *ReadingInput) { in.VenueID = "Warehouse" }, store.ErrNotFound},
		{"unknown venue id", func(in *ReadingInput) { in.VenueID = "6a1f8f46-3c1e-4b8e-9a53-0d8d3c2f6a10" }, store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := ok
			tt.mutate(&in)
			_, err := f.svc.IngestReading(ctx, in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	invalidInputs := []struct {
		name   string
		mutate func(in *ReadingInput)
	}{
		{"missing mac", func(in *ReadingInput) { in.MAC = "" }},
		{"missing anchor", func(in *ReadingInput) { in.AnchorID = " " }},
		{"missing venue", func(in *ReadingInput) { in.VenueID = "" }},
		{"bad rssi", func(in *ReadingInput) { in.RSSI = "strong" }},
		{"bad time", func(in *ReadingInput) { in.Time = "yesterday" }},
	}
	for _, tt := range invalidInputs {
		t.Run(tt.name, func(t *testing.T) {
			in := ok
			tt.mutate(&in)
			_, err := f.svc.IngestReading(ctx, in)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	rs, err := f.store.RecentReadings(ctx, testMAC, store.ReadingQuery{})
	require.NoError(t, err)
	assert.Empty(t, rs)
	assert.Equal(t, 8, f.obs.errors)
}

func TestCurrentLocation_OfficeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, "Office",
		"ESP32_1", "-80",
		"ESP32_4", "-55",
		"ESP32_3", "-70",
		"ESP32_2", "-65",
		"ESP32_1", "-60",
	)

	loc, err := f.svc.CurrentLocation(ctx, testMAC, "Office")
	require.NoError(t, err)
	assert.Equal(t, testMAC, loc.MAC)
	assert.Equal(t, "Office", loc.Venue)
	assert.InDelta(t, 7.43, loc.X, 0.05)
	assert.InDelta(t, -0.05, loc.Y, 0.05)
	assert.Equal(t, fusion.StateConverged, loc.State)
	assert.Equal(t, uint32(1), loc.Seq)
	assert.True(t, testNow.Equal(loc.TrackedAt))

	require.Len(t, loc.UsedAnchors, 4)
	assert.Equal(t, "ESP32_1", loc.UsedAnchors[0].AnchorID)
	assert.Equal(t, -60, loc.UsedAnchors[0].RSSI)

	hist, err := f.svc.History(ctx, testMAC)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, loc.X, hist[0].X)
	assert.Equal(t, loc.UsedAnchors, hist[0].Inputs)
	assert.Equal(t, "Office", hist[0].Venue)

	require.Len(t, f.pub.fixes, 1)
	assert.Equal(t, loc, f.pub.fixes[0])
	assert.Equal(t, 1, f.obs.locates)
	assert.NoError(t, f.obs.lastLocateErr)
}

func TestCurrentLocation_InsufficientAnchors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, "Office", "ESP32_1", "-60", "ESP32_9", "-50", "ESP32_2", "-65", "ESP32_1", "-62")

	_, err := f.svc.CurrentLocation(ctx, testMAC, "Office")
	require.ErrorIs(t, err, fusion.ErrInsufficientAnchors)
	var ierr *fusion.InsufficientAnchorsError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 2, ierr.Found)

	hist, err := f.svc.History(ctx, testMAC)
	require.NoError(t, err)
	assert.Empty(t, hist)
	assert.Empty(t, f.pub.fixes)
	require.Len(t, f.pub.failures, 1)
	assert.True(t, errors.Is(f.pub.failures[0], fusion.ErrInsufficientAnchors))
}

func TestCurrentLocation_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CurrentLocation(ctx, "00:00:00:00:00:00", "Office")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.CurrentLocation(ctx, testMAC, "Warehouse")
	assert.ErrorIs(t, err, store.ErrNotFound)

	var verr *ValidationError
	_, err = f.svc.CurrentLocation(ctx, "", "Office")
	assert.ErrorAs(t, err, &verr)
	_, err = f.svc.History(ctx, "00:00:00:00:00:00")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCurrentLocation_VenueFilter(t *testing.T) {
	for _, filter := range []bool{false, true} {
		f := newFixture(t, WithVenueFilter(filter))
		ctx := context.Background()
		lab := officeSpec()
		lab.Name = "Lab"
		_, err := f.svc.CreateVenue(ctx, lab)
		require.NoError(t, err)

		f.ingest(t, "Lab", "ESP32_4", "-55", "ESP32_3", "-70", "ESP32_2", "-65", "ESP32_1", "-60")

		_, err = f.svc.CurrentLocation(ctx, testMAC, "Office")
		if filter {
			assert.ErrorIs(t, err, fusion.ErrInsufficientAnchors)
		} else {
			assert.NoError(t, err)
		}
	}
}

func TestVenueLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateVenue(ctx, officeSpec())
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	var verr *ValidationError
	bad := officeSpec()
	bad.Name = "Bad"
	bad.PropagationFactor = 0
	_, err = f.svc.CreateVenue(ctx, bad)
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, fusion.ErrConfiguration)

	_, err = f.svc.CreateVenue(ctx, venue.Spec{Width: 1, Height: 1, PropagationFactor: 2})
	assert.ErrorAs(t, err, &verr)

	assert.Equal(t, "ESP32_1", f.office.AnchorIDs()[0])
	assert.Equal(t, fusion.Point{X: 10, Y: 10}, f.office.Anchors["ESP32_3"])

	_, err = f.svc.UpdateVenue(ctx, "Office", VenuePatch{})
	assert.ErrorAs(t, err, &verr)

	zero := 0.0
	_, err = f.svc.UpdateVenue(ctx, "Office", VenuePatch{PropagationFactor: &zero})
	assert.ErrorIs(t, err, fusion.ErrConfiguration)

	name, factor := "HQ", 2.4
	v, err := f.svc.UpdateVenue(ctx, "Office", VenuePatch{Name: &name, PropagationFactor: &factor})
	require.NoError(t, err)
	assert.Equal(t, "HQ", v.Name)
	assert.Equal(t, f.office.ID, v.ID)
	assert.Equal(t, 20.0, v.Width)

	_, err = f.svc.GetVenue(ctx, "Office")
	assert.ErrorIs(t, err, store.ErrNotFound)
	list, err := f.svc.ListVenues(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2.4, list[0].Calibration.PropagationFactor)

	require.NoError(t, f.svc.SeedVenue(ctx, list[0]))
	require.NoError(t, f.svc.DeleteVenue(ctx, "HQ"))
	assert.ErrorIs(t, f.svc.DeleteVenue(ctx, "HQ"), store.ErrNotFound)
}

func TestDeviceLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateDevice(ctx, testMAC, "dup")
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
	var verr *ValidationError
	_, err = f.svc.CreateDevice(ctx, " ", "blank")
	assert.ErrorAs(t, err, &verr)

	f.ingest(t, "Office", "ESP32_4", "-55", "ESP32_3", "-70", "ESP32_2", "-65", "ESP32_1", "-60")
	_, err = f.svc.CurrentLocation(ctx, testMAC, "Office")
	require.NoError(t, err)

	_, err = f.svc.UpdateDevice(ctx, testMAC, DevicePatch{})
	assert.ErrorAs(t, err, &verr)

	newMAC := "11:22:33:44:55:66"
	d, err := f.svc.UpdateDevice(ctx, testMAC, DevicePatch{MAC: &newMAC})
	require.NoError(t, err)
	assert.Equal(t, newMAC, d.MAC)
	assert.Equal(t, "badge", d.Name)

	hist, err := f.svc.History(ctx, newMAC)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	devices, err := f.svc.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, newMAC, devices[0].MAC)

	require.NoError(t, f.svc.DeleteDevice(ctx, newMAC))
	_, err = f.svc.GetDevice(ctx, newMAC)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
