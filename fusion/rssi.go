package fusion

import "math"

// PathLoss converts between RSSI and range with the log-distance model
// d = 10^((A - rssi) / (10 * n)), A being the RSSI at one meter and n the
// path-loss exponent.
type PathLoss struct {
	OneMeterRSSI float64
	Factor       float64
}

// NewPathLoss validates the calibration once so Distance can be called per reading.
func NewPathLoss(oneMeterRSSI, factor float64) (PathLoss, error) {
	if err := checkCalibration(oneMeterRSSI, factor); err != nil {
		return PathLoss{}, err
	}
	return PathLoss{OneMeterRSSI: oneMeterRSSI, Factor: factor}, nil
}

// PathLossFor returns the signal model of a venue.
func PathLossFor(c Calibration) (PathLoss, error) {
	return NewPathLoss(c.OneMeterRSSI, c.PropagationFactor)
}

// RSSIToDistance returns the estimated range in meters for one reading.
func RSSIToDistance(rssi, oneMeterRSSI, factor float64) (float64, error) {
	if err := checkCalibration(oneMeterRSSI, factor); err != nil {
		return 0, err
	}
	if !isFinite(rssi) {
		return 0, &ConfigurationError{Field: "rssi", Value: rssi, Reason: "must be finite"}
	}
	d := math.Pow(10, (oneMeterRSSI-rssi)/(10*factor))
	if !isFinite(d) || d <= 0 {
		return 0, &ConfigurationError{Field: "rssi", Value: rssi, Reason: "range is not a finite positive distance"}
	}
	return d, nil
}

// Distance converts an integer dBm reading into meters.
func (m PathLoss) Distance(rssi int) (float64, error) {
	return RSSIToDistance(float64(rssi), m.OneMeterRSSI, m.Factor)
}

// RSSIAt is the inverse model: the RSSI expected at distance meters.
func (m PathLoss) RSSIAt(distance float64) float64 {
	if distance < MinDistance {
		distance = MinDistance
	}
	return m.OneMeterRSSI - 10*m.Factor*math.Log10(distance)
}

func checkCalibration(oneMeterRSSI, factor float64) error {
	if !isFinite(factor) {
		return &ConfigurationError{Field: "propagation factor", Value: factor, Reason: "must be finite"}
	}
	if factor <= 0 {
		return &ConfigurationError{Field: "propagation factor", Value: factor, Reason: "must be greater than zero"}
	}
	if !isFinite(oneMeterRSSI) {
		return &ConfigurationError{Field: "one meter rssi", Value: oneMeterRSSI, Reason: "must be finite"}
	}
	return nil
}
