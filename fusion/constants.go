package fusion

// Solver and locator defaults. All of them can be overridden through
// SolverConfig / LocatorConfig.
const (
	DefaultDamping            = 1.5
	DefaultDampingIncrease    = 2.0
	DefaultDampingDecrease    = 2.0
	DefaultGradientDifference = 1e-6
	DefaultMaxIterations      = 100
	DefaultErrorTolerance     = 1e-6
	DefaultMaxRetries         = 10
	DefaultMinAnchors         = 3
	DefaultReadingBufferSize  = 50
)

const (
	// MinDistance is the shortest range the inverse signal model will price.
	MinDistance = 0.1

	// HDOP sanity cap.
	HDOPMax = 50.0

	minDamping = 1e-12
	maxDamping = 1e12

	// A candidate closer than this to an anchor gets a zero Jacobian row.
	coincidentEps = 1e-12
)

// clamp returns x within [min, max].
func clamp(x, min, max float64) float64 {
	if x < min {
		return min
	}
	if x > max {
		return max
	}
	return x
}
