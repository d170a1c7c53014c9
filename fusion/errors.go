package fusion

import (
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrConfiguration       = errors.New("fusion: invalid configuration")
	ErrInsufficientAnchors = errors.New("fusion: insufficient anchors")
	ErrNumericDivergence   = errors.New("fusion: numeric divergence")
)

// ConfigurationError reports an invalid calibration or solver setting.
type ConfigurationError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("fusion: invalid %s (%g): %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// InsufficientAnchorsError is returned when fewer than Required anchors have
// a usable reading.
type InsufficientAnchorsError struct {
	Found    int
	Required int
}

func (e *InsufficientAnchorsError) Error() string {
	return fmt.Sprintf("fusion: %d active anchors detected, at least %d required", e.Found, e.Required)
}

func (e *InsufficientAnchorsError) Is(target error) bool { return target == ErrInsufficientAnchors }

// NumericDivergenceError is returned when the solver's best iterate is not finite.
type NumericDivergenceError struct {
	Cost     float64
	Position Point
}

func (e *NumericDivergenceError) Error() string {
	return fmt.Sprintf("fusion: solver diverged at (%g, %g) with cost %g", e.Position.X, e.Position.Y, e.Cost)
}

func (e *NumericDivergenceError) Is(target error) bool { return target == ErrNumericDivergence }
