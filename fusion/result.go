package fusion

// UsedAnchor records one input of a solve.
type UsedAnchor struct {
	AnchorID          string  `json:"espID"`
	RSSI              int     `json:"rssi"`
	EstimatedDistance float64 `json:"estimated_distance"`
}

// PositionEstimate is the solved tag position with the inputs that produced it.
// Coordinates outside the venue are valid; bounds handling is left to callers.
type PositionEstimate struct {
	X           float64      `json:"x"`
	Y           float64      `json:"y"`
	UsedAnchors []UsedAnchor `json:"used_sensors"`

	Cost       float64     `json:"cost"`
	Iterations int         `json:"iterations"`
	State      SolverState `json:"state"`
	HDOP       float64     `json:"hdop"`
}

// Point returns the estimate as a coordinate.
func (e PositionEstimate) Point() Point {
	return Point{X: e.X, Y: e.Y}
}

// Compose packages a fit with the samples that were fed to the solver, in order.
func Compose(fit Fit, samples []DistanceSample) PositionEstimate {
	used := make([]UsedAnchor, len(samples))
	for i, s := range samples {
		used[i] = UsedAnchor{AnchorID: s.AnchorID, RSSI: s.RSSI, EstimatedDistance: s.Distance}
	}
	return PositionEstimate{
		X:           fit.Position.X,
		Y:           fit.Position.Y,
		UsedAnchors: used,
		Cost:        fit.Cost,
		Iterations:  fit.Iterations,
		State:       fit.State,
		HDOP:        fit.HDOP,
	}
}
