// Package server hosts the tracking service: reading ingest, location
// solves, history and the transports that feed and publish them.
package server

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"locator-go/fusion"
	"locator-go/logging"
	"locator-go/readlog"
	"locator-go/store"
	"locator-go/venue"
)

// Location is a published fix.
type Location struct {
	MAC         string              `json:"mac_address"`
	Venue       string              `json:"place"`
	X           float64             `json:"x"`
	Y           float64             `json:"y"`
	UsedAnchors []fusion.UsedAnchor `json:"used_sensors"`
	HDOP        float64             `json:"hdop"`
	Cost        float64             `json:"cost"`
	Iterations  int                 `json:"iterations"`
	State       fusion.SolverState  `json:"state"`
	Seq         uint32              `json:"seq"`
	TrackedAt   time.Time           `json:"tracked_at"`
}

// Publisher receives every successful fix.
type Publisher interface {
	Publish(loc Location)
}

// FailurePublisher is optionally implemented by publishers that also want
// failed locates.
type FailurePublisher interface {
	PublishFailure(mac, venueName string, at time.Time, err error)
}

// Observer records service activity, typically as metrics.
type Observer interface {
	ObserveIngest(err error)
	ObserveLocate(est fusion.PositionEstimate, elapsed time.Duration, err error)
}

type ReadingInput struct {
	MAC      string `json:"m"`
	RSSI     string `json:"r"`
	AnchorID string `json:"espID"`
	// VenueID is a venue UUID or name.
	VenueID string `json:"placeID"`
	Time    string `json:"t"`
}

// ReadingRecord is the stored form of an ingested reading.
type ReadingRecord struct {
	Device   string    `json:"devicesMac_address"`
	AnchorID string    `json:"esp32"`
	Venue    string    `json:"place_name"`
	RSSI     int       `json:"rssi"`
	ReadAt   time.Time `json:"read_at"`
}

type VenuePatch struct {
	Name              *string  `json:"name"`
	OneMeterRSSI      *float64 `json:"one_meter_rssi"`
	PropagationFactor *float64 `json:"propagation_factor"`
}

type DevicePatch struct {
	MAC  *string `json:"mac_address"`
	Name *string `json:"name"`
}

type Option func(*Service)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) { s.log = log }
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publishers = append(s.publishers, p) }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithCapture logs every ingested reading to w.
func WithCapture(w *readlog.Writer) Option {
	return func(s *Service) { s.capture = w }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithVenueFilter restricts locate inputs to readings reported for the
// requested venue, on top of the anchor-id filter.
func WithVenueFilter(on bool) Option {
	return func(s *Service) { s.filterByVenue = on }
}

// Service is safe for concurrent use.
type Service struct {
	store         store.Store
	locator       *fusion.Locator
	log           logrus.FieldLogger
	publishers    []Publisher
	observer      Observer
	capture       *readlog.Writer
	now           func() time.Time
	filterByVenue bool
	seq           atomic.Uint32
}

func NewService(st store.Store, locator *fusion.Locator, opts ...Option) *Service {
	s := &Service{
		store:   st,
		locator: locator,
		log:     logging.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Store() store.Store { return s.store }

// Venues

func (s *Service) CreateVenue(ctx context.Context, spec venue.Spec) (fusion.Venue, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return fusion.Venue{}, invalid("name", "is required")
	}
	v, err := spec.Build()
	if err != nil {
		return fusion.Venue{}, &ValidationError{Msg: err.Error(), Err: err}
	}
	if err := s.store.CreateVenue(ctx, v); err != nil {
		return fusion.Venue{}, err
	}
	s.log.WithField(logging.FieldVenue, v.Name).Info("venue created")
	return v, nil
}

// SeedVenue stores v unless a venue with the same name already exists.
func (s *Service) SeedVenue(ctx context.Context, v fusion.Venue) error {
	err := s.store.CreateVenue(ctx, v)
	if errors.Is(err, store.ErrAlreadyExists) {
		s.log.WithField(logging.FieldVenue, v.Name).Debug("venue already present, not seeding")
		return nil
	}
	return err
}

func (s *Service) GetVenue(ctx context.Context, name string) (fusion.Venue, error) {
	return s.store.GetVenue(ctx, name)
}

func (s *Service) ListVenues(ctx context.Context) ([]fusion.Venue, error) {
	return s.store.ListVenues(ctx)
}

// UpdateVenue applies p. Width and height are fixed once created.
func (s *Service) UpdateVenue(ctx context.Context, name string, p VenuePatch) (fusion.Venue, error) {
	if p.Name == nil && p.OneMeterRSSI == nil && p.PropagationFactor == nil {
		return fusion.Venue{}, invalid("", "fill in at least one field")
	}
	v, err := s.store.GetVenue(ctx, name)
	if err != nil {
		return fusion.Venue{}, err
	}
	if p.Name != nil {
		v.Name = *p.Name
	}
	if p.OneMeterRSSI != nil {
		v.Calibration.OneMeterRSSI = *p.OneMeterRSSI
	}
	if p.PropagationFactor != nil {
		v.Calibration.PropagationFactor = *p.PropagationFactor
	}
	if err := venue.Validate(v); err != nil {
		return fusion.Venue{}, &ValidationError{Msg: err.Error(), Err: err}
	}
	if err := s.store.UpdateVenue(ctx, name, v); err != nil {
		return fusion.Venue{}, err
	}
	return v, nil
}

func (s *Service) DeleteVenue(ctx context.Context, name string) error {
	return s.store.DeleteVenue(ctx, name)
}

// Devices

func (s *Service) CreateDevice(ctx context.Context, mac, name string) (store.Device, error) {
	mac = strings.TrimSpace(mac)
	if mac == "" {
		return store.Device{}, invalid("mac_address", "is required")
	}
	d := store.Device{MAC: mac, Name: name, CreatedAt: s.now().UTC()}
	if err := s.store.CreateDevice(ctx, d); err != nil {
		return store.Device{}, err
	}
	s.log.WithField(logging.FieldDevice, mac).Info("device registered")
	return d, nil
}

func (s *Service) GetDevice(ctx context.Context, mac string) (store.Device, error) {
	return s.store.GetDevice(ctx, mac)
}

func (s *Service) ListDevices(ctx context.Context) ([]store.Device, error) {
	return s.store.ListDevices(ctx)
}

func (s *Service) UpdateDevice(ctx context.Context, mac string, p DevicePatch) (store.Device, error) {
	if p.MAC == nil && p.Name == nil {
		return store.Device{}, invalid("", "fill in at least one field")
	}
	d, err := s.store.GetDevice(ctx, mac)
	if err != nil {
		return store.Device{}, err
	}
	if p.MAC != nil {
		if strings.TrimSpace(*p.MAC) == "" {
			return store.Device{}, invalid("mac_address", "must not be empty")
		}
		d.MAC = strings.TrimSpace(*p.MAC)
	}
	if p.Name != nil {
		d.Name = *p.Name
	}
	if err := s.store.UpdateDevice(ctx, mac, d); err != nil {
		return store.Device{}, err
	}
	return d, nil
}

func (s *Service) DeleteDevice(ctx context.Context, mac string) error {
	return s.store.DeleteDevice(ctx, mac)
}

// Readings

func (s *Service) resolveVenue(ctx context.Context, ref string) (fusion.Venue, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return s.store.GetVenueByID(ctx, ref)
	}
	return s.store.GetVenue(ctx, ref)
}

// IngestReading validates and stores one anchor observation.
func (s *Service) IngestReading(ctx context.Context, in ReadingInput) (rec ReadingRecord, err error) {
	defer func() {
		if s.observer != nil {
			s.observer.ObserveIngest(err)
		}
	}()

	switch {
	case strings.TrimSpace(in.MAC) == "":
		return rec, invalid("m", "is required")
	case strings.TrimSpace(in.AnchorID) == "":
		return rec, invalid("espID", "is required")
	case strings.TrimSpace(in.VenueID) == "":
		return rec, invalid("placeID", "is required")
	}

	d, err := s.store.GetDevice(ctx, in.MAC)
	if err != nil {
		return rec, err
	}
	v, err := s.resolveVenue(ctx, in.VenueID)
	if err != nil {
		return rec, err
	}
	rssi, err := parseRSSI(in.RSSI)
	if err != nil {
		return rec, err
	}
	at, err := parseReadingTime(in.Time, s.now().UTC())
	if err != nil {
		return rec, err
	}

	if d.LastRead == nil || at.After(*d.LastRead) {
		d.LastRead = &at
		if err := s.store.UpdateDevice(ctx, d.MAC, d); err != nil {
			return rec, err
		}
	}
	err = s.store.AppendReading(ctx, d.MAC, store.StoredReading{
		Reading: fusion.Reading{AnchorID: in.AnchorID, RSSI: rssi, Timestamp: at},
		Venue:   v.Name,
	})
	if err != nil {
		return rec, err
	}

	if s.capture != nil {
		capErr := s.capture.Write(readlog.Record{Time: at, Device: d.MAC, Venue: v.Name, Anchor: in.AnchorID, RSSI: rssi})
		if capErr != nil {
			s.log.WithError(capErr).Warn("capture write failed")
		}
	}

	s.log.WithFields(logrus.Fields{
		logging.FieldDevice: d.MAC,
		logging.FieldVenue:  v.Name,
		logging.FieldAnchor: in.AnchorID,
		"rssi":              rssi,
	}).Debug("reading ingested")

	return ReadingRecord{Device: d.MAC, AnchorID: in.AnchorID, Venue: v.Name, RSSI: rssi, ReadAt: at}, nil
}

// Locations

// CurrentLocation solves the position of mac in venueName from its freshest
// readings, records it in the history and publishes it.
func (s *Service) CurrentLocation(ctx context.Context, mac, venueName string) (Location, error) {
	if strings.TrimSpace(mac) == "" {
		return Location{}, invalid("macAddress", "is required")
	}
	if strings.TrimSpace(venueName) == "" {
		return Location{}, invalid("placeName", "is required")
	}
	if _, err := s.store.GetDevice(ctx, mac); err != nil {
		return Location{}, err
	}
	v, err := s.store.GetVenue(ctx, venueName)
	if err != nil {
		return Location{}, err
	}

	q := store.ReadingQuery{
		AnchorIDs: v.AnchorIDs(),
		Limit:     s.locator.Config().ReadingBufferSize,
	}
	if s.filterByVenue {
		q.Venue = v.Name
	}
	readings, err := s.store.RecentReadings(ctx, mac, q)
	if err != nil {
		return Location{}, err
	}

	log := s.log.WithFields(logrus.Fields{logging.FieldDevice: mac, logging.FieldVenue: v.Name})
	started := time.Now()
	est, err := s.locator.Locate(ctx, v, readings, fusion.LocateOptions{})
	if s.observer != nil {
		s.observer.ObserveLocate(est, time.Since(started), err)
	}
	now := s.now().UTC()
	if err != nil {
		log.WithError(err).Warn("locate failed")
		for _, p := range s.publishers {
			if fp, ok := p.(FailurePublisher); ok {
				fp.PublishFailure(mac, v.Name, now, err)
			}
		}
		return Location{}, errors.Wrapf(err, "locate %s in %s", mac, v.Name)
	}

	rec := store.HistoryRecord{
		ID:        uuid.NewString(),
		Device:    mac,
		Venue:     v.Name,
		X:         est.X,
		Y:         est.Y,
		Inputs:    est.UsedAnchors,
		TrackedAt: now,
	}
	if err := s.store.AppendHistory(ctx, rec); err != nil {
		return Location{}, err
	}

	loc := Location{
		MAC:         mac,
		Venue:       v.Name,
		X:           est.X,
		Y:           est.Y,
		UsedAnchors: est.UsedAnchors,
		HDOP:        est.HDOP,
		Cost:        est.Cost,
		Iterations:  est.Iterations,
		State:       est.State,
		Seq:         s.seq.Add(1),
		TrackedAt:   now,
	}
	if !v.Contains(est.Point()) {
		log.WithFields(logrus.Fields{"x": est.X, "y": est.Y}).Info("fix outside venue bounds")
	}
	for _, p := range s.publishers {
		p.Publish(loc)
	}
	log.WithFields(logrus.Fields{"x": est.X, "y": est.Y, "iterations": est.Iterations}).Debug("located")
	return loc, nil
}

// History returns the recorded fixes of mac, oldest first.
func (s *Service) History(ctx context.Context, mac string) ([]store.HistoryRecord, error) {
	if _, err := s.store.GetDevice(ctx, mac); err != nil {
		return nil, err
	}
	return s.store.History(ctx, mac)
}
