package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"locator-go/fusion"
	"locator-go/venue"
)

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu        sync.RWMutex
	retention int
	venues    map[string]fusion.Venue
	devices   map[string]Device
	readings  map[string][]StoredReading
	history   map[string][]HistoryRecord
}

// NewMemory returns an empty store keeping at most retention readings per
// device (DefaultRetention when retention <= 0).
func NewMemory(retention int) *Memory {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Memory{
		retention: retention,
		venues:    map[string]fusion.Venue{},
		devices:   map[string]Device{},
		readings:  map[string][]StoredReading{},
		history:   map[string][]HistoryRecord{},
	}
}

func (m *Memory) AppendReading(_ context.Context, device string, r StoredReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.readings[device]
	// Newest first; a reading ties ahead of older entries with the same timestamp.
	i := sort.Search(len(rs), func(i int) bool { return !rs[i].Timestamp.After(r.Timestamp) })
	rs = append(rs, StoredReading{})
	copy(rs[i+1:], rs[i:])
	rs[i] = r
	if len(rs) > m.retention {
		rs = rs[:m.retention]
	}
	m.readings[device] = rs
	return nil
}

func (m *Memory) RecentReadings(_ context.Context, device string, q ReadingQuery) ([]fusion.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return FilterReadings(m.readings[device], q), nil
}

func (m *Memory) CreateVenue(_ context.Context, v fusion.Venue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.venues[v.Name]; ok {
		return errors.Wrapf(ErrAlreadyExists, "venue %q", v.Name)
	}
	m.venues[v.Name] = venue.Clone(v)
	return nil
}

func (m *Memory) GetVenue(_ context.Context, name string) (fusion.Venue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.venues[name]
	if !ok {
		return fusion.Venue{}, errors.Wrapf(ErrNotFound, "venue %q", name)
	}
	return venue.Clone(v), nil
}

func (m *Memory) GetVenueByID(_ context.Context, id string) (fusion.Venue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.venues {
		if v.ID == id {
			return venue.Clone(v), nil
		}
	}
	return fusion.Venue{}, errors.Wrapf(ErrNotFound, "venue id %q", id)
}

func (m *Memory) ListVenues(_ context.Context) ([]fusion.Venue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]fusion.Venue, 0, len(m.venues))
	for _, v := range m.venues {
		out = append(out, venue.Clone(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateVenue(_ context.Context, name string, v fusion.Venue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.venues[name]; !ok {
		return errors.Wrapf(ErrNotFound, "venue %q", name)
	}
	if v.Name != name {
		if _, ok := m.venues[v.Name]; ok {
			return errors.Wrapf(ErrAlreadyExists, "venue %q", v.Name)
		}
		delete(m.venues, name)
	}
	m.venues[v.Name] = venue.Clone(v)
	return nil
}

func (m *Memory) DeleteVenue(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.venues[name]; !ok {
		return errors.Wrapf(ErrNotFound, "venue %q", name)
	}
	delete(m.venues, name)
	return nil
}

func (m *Memory) CreateDevice(_ context.Context, d Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.MAC]; ok {
		return errors.Wrapf(ErrAlreadyExists, "device %q", d.MAC)
	}
	m.devices[d.MAC] = d
	return nil
}

func (m *Memory) GetDevice(_ context.Context, mac string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[mac]
	if !ok {
		return Device{}, errors.Wrapf(ErrNotFound, "device %q", mac)
	}
	return d, nil
}

func (m *Memory) ListDevices(_ context.Context) ([]Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out, nil
}

func (m *Memory) UpdateDevice(_ context.Context, mac string, d Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[mac]; !ok {
		return errors.Wrapf(ErrNotFound, "device %q", mac)
	}
	if d.MAC != mac {
		if _, ok := m.devices[d.MAC]; ok {
			return errors.Wrapf(ErrAlreadyExists, "device %q", d.MAC)
		}
		delete(m.devices, mac)
		if rs, ok := m.readings[mac]; ok {
			m.readings[d.MAC] = rs
			delete(m.readings, mac)
		}
		if hs, ok := m.history[mac]; ok {
			for i := range hs {
				hs[i].Device = d.MAC
			}
			m.history[d.MAC] = hs
			delete(m.history, mac)
		}
	}
	m.devices[d.MAC] = d
	return nil
}

func (m *Memory) DeleteDevice(_ context.Context, mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[mac]; !ok {
		return errors.Wrapf(ErrNotFound, "device %q", mac)
	}
	delete(m.devices, mac)
	delete(m.readings, mac)
	delete(m.history, mac)
	return nil
}

func (m *Memory) AppendHistory(_ context.Context, rec HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[rec.Device] = append(m.history[rec.Device], rec)
	return nil
}

func (m *Memory) History(_ context.Context, mac string) ([]HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]HistoryRecord(nil), m.history[mac]...)
	sortHistory(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortHistory(hs []HistoryRecord) {
	sort.SliceStable(hs, func(i, j int) bool { return hs[i].TrackedAt.Before(hs[j].TrackedAt) })
}

