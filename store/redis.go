package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	backend "github.com/redis/go-redis/v9"

	"locator-go/fusion"
)

// Redis implements Store on a Redis server.
//
// Layout, relative to the prefix:
//
//	venue:<name>     JSON venue        venues        SET of venue names
//	venue-id:<id>    venue name        devices       SET of MACs
//	device:<mac>     JSON device       readings:seq  member sequence
//	readings:<mac>   ZSET scored by reading time (µs), newest kept
//	history:<mac>    LIST of JSON history records, append order
type Redis struct {
	client    *backend.Client
	prefix    string
	retention int
}

type RedisOption func(*Redis)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *Redis) {
		s.prefix = prefix
	}
}

// WithRetention caps the readings kept per device.
func WithRetention(n int) RedisOption {
	return func(s *Redis) {
		if n > 0 {
			s.retention = n
		}
	}
}

// NewRedis connects to the server at address.
func NewRedis(address, password string, db int, opts ...RedisOption) *Redis {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisFromClient(rdb, opts...)
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *backend.Client, opts ...RedisOption) *Redis {
	s := &Redis{
		client:    client,
		prefix:    "locator:",
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks connectivity.
func (s *Redis) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx).Err(), "redis: ping")
}

func (s *Redis) key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

func (s *Redis) AppendReading(ctx context.Context, device string, r StoredReading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshal reading")
	}
	seq, err := s.client.Incr(ctx, s.key("readings", "seq")).Result()
	if err != nil {
		return errors.Wrap(err, "redis: reading sequence")
	}

	// Equal scores order lexicographically, so the zero-padded sequence makes
	// the later append the more recent one.
	member := fmt.Sprintf("%016d|%s", seq, data)
	key := s.key("readings", device)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, backend.Z{Score: float64(r.Timestamp.UnixMicro()), Member: member})
	pipe.ZRemRangeByRank(ctx, key, 0, -int64(s.retention)-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis: append reading")
	}
	return nil
}

func (s *Redis) RecentReadings(ctx context.Context, device string, q ReadingQuery) ([]fusion.Reading, error) {
	members, err := s.client.ZRevRange(ctx, s.key("readings", device), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis: recent readings")
	}
	all := make([]StoredReading, 0, len(members))
	for _, m := range members {
		_, data, ok := strings.Cut(m, "|")
		if !ok {
			return nil, errors.Errorf("redis: malformed reading member %q", m)
		}
		var r StoredReading
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, errors.Wrap(err, "unmarshal reading")
		}
		all = append(all, r)
	}
	return FilterReadings(all, q), nil
}

func (s *Redis) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == backend.Nil {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "redis: get %s", key)
	}
	return errors.Wrapf(json.Unmarshal(data, v), "unmarshal %s", key)
}

func (s *Redis) CreateVenue(ctx context.Context, v fusion.Venue) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal venue")
	}
	ok, err := s.client.SetNX(ctx, s.key("venue", v.Name), data, 0).Result()
	if err != nil {
		return errors.Wrap(err, "redis: create venue")
	}
	if !ok {
		return errors.Wrapf(ErrAlreadyExists, "venue %q", v.Name)
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.key("venues"), v.Name)
	pipe.Set(ctx, s.key("venue-id", v.ID), v.Name, 0)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "redis: index venue")
}

func (s *Redis) GetVenue(ctx context.Context, name string) (fusion.Venue, error) {
	var v fusion.Venue
	if err := s.getJSON(ctx, s.key("venue", name), &v); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fusion.Venue{}, errors.Wrapf(ErrNotFound, "venue %q", name)
		}
		return fusion.Venue{}, err
	}
	return v, nil
}

func (s *Redis) GetVenueByID(ctx context.Context, id string) (fusion.Venue, error) {
	name, err := s.client.Get(ctx, s.key("venue-id", id)).Result()
	if err == backend.Nil {
		return fusion.Venue{}, errors.Wrapf(ErrNotFound, "venue id %q", id)
	}
	if err != nil {
		return fusion.Venue{}, errors.Wrap(err, "redis: venue by id")
	}
	return s.GetVenue(ctx, name)
}

func (s *Redis) ListVenues(ctx context.Context) ([]fusion.Venue, error) {
	names, err := s.client.SMembers(ctx, s.key("venues")).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis: list venues")
	}
	sort.Strings(names)
	out := make([]fusion.Venue, 0, len(names))
	for _, name := range names {
		v, err := s.GetVenue(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Redis) UpdateVenue(ctx context.Context, name string, v fusion.Venue) error {
	old, err := s.GetVenue(ctx, name)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal venue")
	}

	pipe := s.client.TxPipeline()
	if v.Name != name {
		ok, err := s.client.SetNX(ctx, s.key("venue", v.Name), data, 0).Result()
		if err != nil {
			return errors.Wrap(err, "redis: rename venue")
		}
		if !ok {
			return errors.Wrapf(ErrAlreadyExists, "venue %q", v.Name)
		}
		pipe.Del(ctx, s.key("venue", name))
		pipe.SRem(ctx, s.key("venues"), name)
		pipe.SAdd(ctx, s.key("venues"), v.Name)
	} else {
		pipe.Set(ctx, s.key("venue", name), data, 0)
	}
	if old.ID != v.ID {
		pipe.Del(ctx, s.key("venue-id", old.ID))
	}
	pipe.Set(ctx, s.key("venue-id", v.ID), v.Name, 0)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "redis: update venue")
}

func (s *Redis) DeleteVenue(ctx context.Context, name string) error {
	v, err := s.GetVenue(ctx, name)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key("venue", name), s.key("venue-id", v.ID))
	pipe.SRem(ctx, s.key("venues"), name)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "redis: delete venue")
}

func (s *Redis) CreateDevice(ctx context.Context, d Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal device")
	}
	ok, err := s.client.SetNX(ctx, s.key("device", d.MAC), data, 0).Result()
	if err != nil {
		return errors.Wrap(err, "redis: create device")
	}
	if !ok {
		return errors.Wrapf(ErrAlreadyExists, "device %q", d.MAC)
	}
	return errors.Wrap(s.client.SAdd(ctx, s.key("devices"), d.MAC).Err(), "redis: index device")
}

func (s *Redis) GetDevice(ctx context.Context, mac string) (Device, error) {
	var d Device
	if err := s.getJSON(ctx, s.key("device", mac), &d); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Device{}, errors.Wrapf(ErrNotFound, "device %q", mac)
		}
		return Device{}, err
	}
	return d, nil
}

func (s *Redis) ListDevices(ctx context.Context) ([]Device, error) {
	macs, err := s.client.SMembers(ctx, s.key("devices")).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis: list devices")
	}
	sort.Strings(macs)
	out := make([]Device, 0, len(macs))
	for _, mac := range macs {
		d, err := s.GetDevice(ctx, mac)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Redis) UpdateDevice(ctx context.Context, mac string, d Device) error {
	if _, err := s.GetDevice(ctx, mac); err != nil {
		return err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal device")
	}
	if d.MAC == mac {
		return errors.Wrap(s.client.Set(ctx, s.key("device", mac), data, 0).Err(), "redis: update device")
	}

	ok, err := s.client.SetNX(ctx, s.key("device", d.MAC), data, 0).Result()
	if err != nil {
		return errors.Wrap(err, "redis: rename device")
	}
	if !ok {
		return errors.Wrapf(ErrAlreadyExists, "device %q", d.MAC)
	}
	hist, err := s.History(ctx, mac)
	if err != nil {
		return err
	}
	hasReadings, err := s.client.Exists(ctx, s.key("readings", mac)).Result()
	if err != nil {
		return errors.Wrap(err, "redis: rename device")
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key("device", mac), s.key("history", mac))
	pipe.SRem(ctx, s.key("devices"), mac)
	pipe.SAdd(ctx, s.key("devices"), d.MAC)
	if hasReadings > 0 {
		pipe.Rename(ctx, s.key("readings", mac), s.key("readings", d.MAC))
	}
	for _, rec := range hist {
		rec.Device = d.MAC
		b, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "marshal history")
		}
		pipe.RPush(ctx, s.key("history", d.MAC), b)
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "redis: rename device")
}

func (s *Redis) DeleteDevice(ctx context.Context, mac string) error {
	if _, err := s.GetDevice(ctx, mac); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key("device", mac), s.key("readings", mac), s.key("history", mac))
	pipe.SRem(ctx, s.key("devices"), mac)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "redis: delete device")
}

func (s *Redis) AppendHistory(ctx context.Context, rec HistoryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal history")
	}
	return errors.Wrap(s.client.RPush(ctx, s.key("history", rec.Device), data).Err(), "redis: append history")
}

func (s *Redis) History(ctx context.Context, mac string) ([]HistoryRecord, error) {
	items, err := s.client.LRange(ctx, s.key("history", mac), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis: history")
	}
	out := make([]HistoryRecord, 0, len(items))
	for _, item := range items {
		var rec HistoryRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, errors.Wrap(err, "unmarshal history")
		}
		out = append(out, rec)
	}
	sortHistory(out)
	return out, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
