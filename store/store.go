// Package store persists devices, venues, readings and location history.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"locator-go/fusion"
)

var (
	// ErrNotFound is returned when a device or venue does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned on a duplicate device MAC or venue name.
	ErrAlreadyExists = errors.New("already exists")
)

// DefaultRetention is the number of readings kept per device.
const DefaultRetention = 500

// Device is a tracked tag, keyed by MAC address.
type Device struct {
	MAC       string     `json:"mac_address"`
	Name      string     `json:"name"`
	LastRead  *time.Time `json:"last_read,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// StoredReading is a reading together with the venue it was reported for.
type StoredReading struct {
	fusion.Reading
	Venue string `json:"venue"`
}

// ReadingQuery narrows RecentReadings. Empty fields do not filter.
type ReadingQuery struct {
	AnchorIDs []string
	Venue     string
	Limit     int
}

// HistoryRecord is one persisted location fix.
type HistoryRecord struct {
	ID        string              `json:"id"`
	Device    string              `json:"devicesMac_address"`
	Venue     string              `json:"place"`
	X         float64             `json:"x"`
	Y         float64             `json:"y"`
	Inputs    []fusion.UsedAnchor `json:"calculation_inputs"`
	TrackedAt time.Time           `json:"tracked_at"`
}

type ReadingStore interface {
	AppendReading(ctx context.Context, device string, r StoredReading) error
	// RecentReadings returns readings most-recent-first.
	RecentReadings(ctx context.Context, device string, q ReadingQuery) ([]fusion.Reading, error)
}

type VenueStore interface {
	CreateVenue(ctx context.Context, v fusion.Venue) error
	GetVenue(ctx context.Context, name string) (fusion.Venue, error)
	GetVenueByID(ctx context.Context, id string) (fusion.Venue, error)
	ListVenues(ctx context.Context) ([]fusion.Venue, error)
	// UpdateVenue replaces the venue stored under name; v.Name may differ.
	UpdateVenue(ctx context.Context, name string, v fusion.Venue) error
	DeleteVenue(ctx context.Context, name string) error
}

type DeviceStore interface {
	CreateDevice(ctx context.Context, d Device) error
	GetDevice(ctx context.Context, mac string) (Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
	// UpdateDevice replaces the device stored under mac. When d.MAC differs
	// the readings and history move with it.
	UpdateDevice(ctx context.Context, mac string, d Device) error
	DeleteDevice(ctx context.Context, mac string) error
}

type HistoryStore interface {
	AppendHistory(ctx context.Context, rec HistoryRecord) error
	// History returns the records of a device, oldest first.
	History(ctx context.Context, mac string) ([]HistoryRecord, error)
}

// Store is the full persistence surface used by the tracking service.
type Store interface {
	ReadingStore
	VenueStore
	DeviceStore
	HistoryStore
	Close() error
}

func matches(r StoredReading, anchors map[string]bool, venue string) bool {
	if len(anchors) > 0 && !anchors[r.AnchorID] {
		return false
	}
	return venue == "" || r.Venue == venue
}

func anchorSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// FilterReadings applies q to readings already ordered most-recent-first.
func FilterReadings(all []StoredReading, q ReadingQuery) []fusion.Reading {
	anchors := anchorSet(q.AnchorIDs)
	out := make([]fusion.Reading, 0, min(len(all), max(q.Limit, 0)))
	for _, r := range all {
		if !matches(r, anchors, q.Venue) {
			continue
		}
		out = append(out, r.Reading)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}
