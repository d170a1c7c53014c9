package fusion

import (
	"math"
	"sort"
	"time"
)

// Point is a venue coordinate in meters.
type Point struct {
	X float64 `json:"x" yaml:"x" mapstructure:"x"`
	Y float64 `json:"y" yaml:"y" mapstructure:"y"`
}

func (p Point) finite() bool {
	return isFinite(p.X) && isFinite(p.Y)
}

// Dist returns the euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Calibration holds the path-loss constants of a venue.
type Calibration struct {
	OneMeterRSSI      float64 `json:"one_meter_rssi" yaml:"one_meter_rssi"`
	PropagationFactor float64 `json:"propagation_factor" yaml:"propagation_factor"`
}

// Venue is the rectangular area a tag is located in, with its anchors keyed by id.
type Venue struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	Width       float64          `json:"width" yaml:"width"`
	Height      float64          `json:"height" yaml:"height"`
	Calibration Calibration      `json:"calibration" yaml:"calibration"`
	Anchors     map[string]Point `json:"anchor_positions" yaml:"anchors"`
}

// Center is the default initial guess for a solve.
func (v Venue) Center() Point {
	return Point{X: v.Width / 2, Y: v.Height / 2}
}

// Contains reports whether p lies inside the venue rectangle.
func (v Venue) Contains(p Point) bool {
	return p.X >= 0 && p.X <= v.Width && p.Y >= 0 && p.Y <= v.Height
}

// AnchorIDs returns the known anchor ids, sorted.
func (v Venue) AnchorIDs() []string {
	ids := make([]string, 0, len(v.Anchors))
	for id := range v.Anchors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reading is one RSSI observation of a tag by an anchor.
type Reading struct {
	AnchorID  string    `json:"anchor_id"`
	RSSI      int       `json:"rssi"`
	Timestamp time.Time `json:"timestamp"`
}

// DistanceSample is the range derived from the freshest reading of an anchor.
type DistanceSample struct {
	AnchorID string
	RSSI     int
	Distance float64
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
