package venue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"locator-go/fusion"
)

// Spec is the on-disk and over-the-wire shape of a venue.
type Spec struct {
	ID                string  `yaml:"id" json:"id"`
	Name              string  `yaml:"name" json:"name"`
	Width             float64 `yaml:"width" json:"width"`
	Height            float64 `yaml:"height" json:"height"`
	OneMeterRSSI      float64 `yaml:"one_meter_rssi" json:"one_meter_rssi"`
	PropagationFactor float64 `yaml:"propagation_factor" json:"propagation_factor"`
	Anchors           any     `yaml:"anchors" json:"anchors"`
}

// File is the structure of a venues.yaml / venues.json file.
type File struct {
	Venues []Spec `yaml:"venues" json:"venues"`
}

// Build validates s and returns the venue it describes.
func (s Spec) Build() (fusion.Venue, error) {
	anchors, err := DecodeAnchors(s.Anchors)
	if err != nil {
		return fusion.Venue{}, err
	}
	v, err := New(s.Name, s.Width, s.Height, fusion.Calibration{
		OneMeterRSSI:      s.OneMeterRSSI,
		PropagationFactor: s.PropagationFactor,
	}, anchors)
	if err != nil {
		return fusion.Venue{}, err
	}
	if s.ID != "" {
		if _, err := uuid.Parse(s.ID); err != nil {
			return fusion.Venue{}, fmt.Errorf("venue %q: invalid id: %w", s.Name, err)
		}
		v.ID = s.ID
	}
	return v, nil
}

// LoadFile reads venues from a YAML file, or JSON when the extension is .json.
func LoadFile(path string) ([]fusion.Venue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read venues file: %w", err)
	}
	return Parse(data, strings.ToLower(filepath.Ext(path)) == ".json")
}

// Parse decodes and validates a venues document.
func Parse(data []byte, isJSON bool) ([]fusion.Venue, error) {
	var f File
	if isJSON {
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse venues json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse venues yaml: %w", err)
		}
	}

	seen := map[string]bool{}
	out := make([]fusion.Venue, 0, len(f.Venues))
	for i, s := range f.Venues {
		v, err := s.Build()
		if err != nil {
			return nil, fmt.Errorf("venue #%d (%s): %w", i+1, s.Name, err)
		}
		if seen[v.Name] {
			return nil, fmt.Errorf("venue #%d: duplicate name %q", i+1, v.Name)
		}
		seen[v.Name] = true
		out = append(out, v)
	}
	return out, nil
}
