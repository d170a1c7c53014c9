package fusion

import "context"

// LocatorConfig groups the solver tunables with the selection limits.
type LocatorConfig struct {
	Solver            SolverConfig
	MinAnchors        int
	ReadingBufferSize int
}

func DefaultLocatorConfig() LocatorConfig {
	return LocatorConfig{
		Solver:            DefaultSolverConfig(),
		MinAnchors:        DefaultMinAnchors,
		ReadingBufferSize: DefaultReadingBufferSize,
	}
}

func (c LocatorConfig) Validate() error {
	if err := c.Solver.Validate(); err != nil {
		return err
	}
	if c.MinAnchors < DefaultMinAnchors {
		return &ConfigurationError{Field: "min anchors", Value: float64(c.MinAnchors), Reason: "a 2D fix needs at least 3 anchors"}
	}
	if c.ReadingBufferSize < c.MinAnchors {
		return &ConfigurationError{Field: "reading buffer size", Value: float64(c.ReadingBufferSize), Reason: "must hold at least min anchors readings"}
	}
	return nil
}

// LocateOptions are per-call knobs.
type LocateOptions struct {
	// InitialGuess overrides the venue center as LM starting point.
	InitialGuess *Point
}

// Locator runs select -> solve -> compose for one reading snapshot. It holds
// only immutable configuration and is safe for concurrent use.
type Locator struct {
	cfg LocatorConfig
}

func NewLocator(cfg LocatorConfig) (*Locator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Locator{cfg: cfg}, nil
}

func (l *Locator) Config() LocatorConfig {
	return l.cfg
}

// Locate estimates the tag position from readings ordered most-recent-first.
// Readings beyond the configured buffer size are ignored.
func (l *Locator) Locate(ctx context.Context, v Venue, readings []Reading, opts LocateOptions) (PositionEstimate, error) {
	model, err := PathLossFor(v.Calibration)
	if err != nil {
		return PositionEstimate{}, err
	}
	if len(readings) > l.cfg.ReadingBufferSize {
		readings = readings[:l.cfg.ReadingBufferSize]
	}

	samples, err := SelectAnchors(readings, v.Anchors, model, l.cfg.MinAnchors)
	if err != nil {
		return PositionEstimate{}, err
	}
	solver, err := NewSolver(samples, v.Anchors, l.cfg.Solver)
	if err != nil {
		return PositionEstimate{}, err
	}

	initial := v.Center()
	if opts.InitialGuess != nil {
		initial = *opts.InitialGuess
	}
	fit, err := solver.Solve(ctx, initial)
	if err != nil {
		return PositionEstimate{}, err
	}
	return Compose(fit, samples), nil
}
