// Package venue validates and loads the venue descriptors consumed by the
// fusion core: dimensions, calibration and the anchor coordinate map.
package venue

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"locator-go/fusion"
)

// Default anchor ids, one per wall, as provisioned on the anchor firmware.
const (
	AnchorWest  = "ESP32_1"
	AnchorEast  = "ESP32_2"
	AnchorNorth = "ESP32_3"
	AnchorSouth = "ESP32_4"
)

// DefaultAnchors places one anchor at the middle of each wall.
func DefaultAnchors(width, height float64) map[string]fusion.Point {
	return map[string]fusion.Point{
		AnchorWest:  {X: 0, Y: height / 2},
		AnchorEast:  {X: width, Y: height / 2},
		AnchorNorth: {X: width / 2, Y: height},
		AnchorSouth: {X: width / 2, Y: 0},
	}
}

// New builds a validated venue. A nil anchor map gets DefaultAnchors.
func New(name string, width, height float64, cal fusion.Calibration, anchors map[string]fusion.Point) (fusion.Venue, error) {
	if anchors == nil {
		anchors = DefaultAnchors(width, height)
	}
	v := fusion.Venue{
		ID:          uuid.NewString(),
		Name:        name,
		Width:       width,
		Height:      height,
		Calibration: cal,
		Anchors:     anchors,
	}
	if err := Validate(v); err != nil {
		return fusion.Venue{}, err
	}
	return Clone(v), nil
}

// Validate checks dimensions, calibration and that every anchor lies inside the venue.
func Validate(v fusion.Venue) error {
	if v.Name == "" {
		return &fusion.ConfigurationError{Field: "venue name", Value: math.NaN(), Reason: "must not be empty"}
	}
	if !finitePositive(v.Width) {
		return &fusion.ConfigurationError{Field: "width", Value: v.Width, Reason: "must be a finite positive number"}
	}
	if !finitePositive(v.Height) {
		return &fusion.ConfigurationError{Field: "height", Value: v.Height, Reason: "must be a finite positive number"}
	}
	if _, err := fusion.PathLossFor(v.Calibration); err != nil {
		return err
	}
	if len(v.Anchors) < fusion.DefaultMinAnchors {
		return &fusion.ConfigurationError{
			Field:  "anchors",
			Value:  float64(len(v.Anchors)),
			Reason: fmt.Sprintf("at least %d anchors are required", fusion.DefaultMinAnchors),
		}
	}
	for id, p := range v.Anchors {
		if id == "" {
			return &fusion.ConfigurationError{Field: "anchor id", Value: math.NaN(), Reason: "must not be empty"}
		}
		if !v.Contains(p) {
			return &fusion.ConfigurationError{
				Field:  "anchor " + id,
				Value:  p.X,
				Reason: fmt.Sprintf("position (%g, %g) is outside the %gx%g venue", p.X, p.Y, v.Width, v.Height),
			}
		}
	}
	return nil
}

// Clone returns a copy of v that shares no anchor map with it.
func Clone(v fusion.Venue) fusion.Venue {
	anchors := make(map[string]fusion.Point, len(v.Anchors))
	for id, p := range v.Anchors {
		anchors[id] = p
	}
	v.Anchors = anchors
	return v
}

// DecodeAnchors turns a generic anchor object, either already parsed or as
// serialized JSON text, into a typed anchor map. Coordinates given as
// numeric strings are accepted.
func DecodeAnchors(raw any) (map[string]fusion.Point, error) {
	switch r := raw.(type) {
	case nil:
		return nil, nil
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(r), &parsed); err != nil {
			return nil, fmt.Errorf("anchor positions: %w", err)
		}
		raw = parsed
	case []byte:
		return DecodeAnchors(string(r))
	}

	out := map[string]fusion.Point{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("anchor positions: %w", err)
	}
	return out, nil
}

func finitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
