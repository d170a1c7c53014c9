package fusion

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SolverState tracks the Levenberg-Marquardt state machine.
type SolverState int

const (
	StateInitializing SolverState = iota
	StateIterating
	StateConverged
	StateMaxIterationsReached
	StateDiverged
)

func (s SolverState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateIterating:
		return "iterating"
	case StateConverged:
		return "converged"
	case StateMaxIterationsReached:
		return "max_iterations"
	case StateDiverged:
		return "diverged"
	default:
		return "unknown"
	}
}

// MarshalText lets the state appear by name in JSON payloads.
func (s SolverState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Iteration is reported to SolverConfig.Observer after every outer iteration.
type Iteration struct {
	Index    int
	Position Point
	Cost     float64
	Damping  float64
	Accepted bool
}

// SolverConfig tunes the damped Gauss-Newton loop.
type SolverConfig struct {
	Damping            float64
	DampingIncrease    float64
	DampingDecrease    float64
	GradientDifference float64
	ErrorTolerance     float64
	MaxIterations      int
	MaxRetries         int

	// Observer, when set, is called after each outer iteration.
	Observer func(Iteration)
}

func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		Damping:            DefaultDamping,
		DampingIncrease:    DefaultDampingIncrease,
		DampingDecrease:    DefaultDampingDecrease,
		GradientDifference: DefaultGradientDifference,
		ErrorTolerance:     DefaultErrorTolerance,
		MaxIterations:      DefaultMaxIterations,
		MaxRetries:         DefaultMaxRetries,
	}
}

// Validate checks every tunable is usable.
func (c SolverConfig) Validate() error {
	positive := []struct {
		name string
		v    float64
	}{
		{"damping", c.Damping},
		{"gradient difference", c.GradientDifference},
		{"error tolerance", c.ErrorTolerance},
	}
	for _, p := range positive {
		if !isFinite(p.v) || p.v <= 0 {
			return &ConfigurationError{Field: p.name, Value: p.v, Reason: "must be a finite positive number"}
		}
	}
	if !isFinite(c.DampingIncrease) || c.DampingIncrease <= 1 {
		return &ConfigurationError{Field: "damping increase", Value: c.DampingIncrease, Reason: "must be greater than one"}
	}
	if !isFinite(c.DampingDecrease) || c.DampingDecrease <= 1 {
		return &ConfigurationError{Field: "damping decrease", Value: c.DampingDecrease, Reason: "must be greater than one"}
	}
	if c.MaxIterations < 1 {
		return &ConfigurationError{Field: "max iterations", Value: float64(c.MaxIterations), Reason: "must be at least one"}
	}
	if c.MaxRetries < 0 {
		return &ConfigurationError{Field: "max retries", Value: float64(c.MaxRetries), Reason: "must not be negative"}
	}
	return nil
}

// Fit is the outcome of a solve.
type Fit struct {
	Position   Point
	Cost       float64
	Iterations int
	State      SolverState
	Damping    float64
	HDOP       float64
}

// Solver fits a 2D point to observed anchor ranges. It owns copies of the
// anchor positions and distances so the venue is never touched during a solve.
type Solver struct {
	anchors  []Point
	observed []float64
	cfg      SolverConfig
}

// NewSolver builds a solver from the selected samples and the venue anchor map.
func NewSolver(samples []DistanceSample, anchors map[string]Point, cfg SolverConfig) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(samples) < DefaultMinAnchors {
		return nil, &InsufficientAnchorsError{Found: len(samples), Required: DefaultMinAnchors}
	}
	s := &Solver{
		anchors:  make([]Point, len(samples)),
		observed: make([]float64, len(samples)),
		cfg:      cfg,
	}
	for i, smp := range samples {
		pos, ok := anchors[smp.AnchorID]
		if !ok {
			return nil, &ConfigurationError{Field: "anchor " + smp.AnchorID, Value: math.NaN(), Reason: "has no position"}
		}
		if !pos.finite() {
			return nil, &ConfigurationError{Field: "anchor " + smp.AnchorID, Value: pos.X, Reason: "position must be finite"}
		}
		if !isFinite(smp.Distance) || smp.Distance <= 0 {
			return nil, &ConfigurationError{Field: "distance to " + smp.AnchorID, Value: smp.Distance, Reason: "must be a finite positive number"}
		}
		s.anchors[i] = pos
		s.observed[i] = smp.Distance
	}
	return s, nil
}

func (s *Solver) predicted(p Point, i int) float64 {
	return p.Dist(s.anchors[i])
}

// Residuals returns observed minus predicted distance for every anchor.
func (s *Solver) Residuals(p Point) []float64 {
	r := make([]float64, len(s.anchors))
	for i := range s.anchors {
		r[i] = s.observed[i] - s.predicted(p, i)
	}
	return r
}

// Jacobian returns the n x 2 matrix of model partials at p. Rows for anchors
// coinciding with p are zero.
func (s *Solver) Jacobian(p Point) *mat.Dense {
	n := len(s.anchors)
	j := mat.NewDense(n, 2, nil)
	for i, a := range s.anchors {
		d := s.predicted(p, i)
		if d < coincidentEps {
			continue
		}
		j.Set(i, 0, (p.X-a.X)/d)
		j.Set(i, 1, (p.Y-a.Y)/d)
	}
	return j
}

// Cost is the sum of squared residuals at p.
func (s *Solver) Cost(p Point) float64 {
	var c float64
	for _, r := range s.Residuals(p) {
		c += r * r
	}
	return c
}

// HDOP reports the dilution of precision of the anchor geometry seen from p.
func (s *Solver) HDOP(p Point) float64 {
	return hdop(s.Jacobian(p))
}

// Solve runs Levenberg-Marquardt from initial. Non-convergence is not an
// error: the last accepted iterate is returned with StateMaxIterationsReached.
// On cancellation the best iterate so far is returned together with ctx.Err().
func (s *Solver) Solve(ctx context.Context, initial Point) (Fit, error) {
	if !initial.finite() {
		return Fit{}, &ConfigurationError{Field: "initial guess", Value: initial.X, Reason: "must be finite"}
	}

	p := initial
	cost := s.Cost(p)
	lambda := s.cfg.Damping
	fit := Fit{Position: p, Cost: cost, State: StateInitializing, Damping: lambda}
	if !isFinite(cost) {
		fit.State = StateDiverged
		return fit, &NumericDivergenceError{Cost: cost, Position: p}
	}

	fit.State = StateIterating
	for it := 0; it < s.cfg.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			return fit, err
		}

		jac := s.Jacobian(p)
		res := mat.NewVecDense(len(s.anchors), s.Residuals(p))
		var grad mat.VecDense
		grad.MulVec(jac.T(), res)
		if cost == 0 || mat.Norm(&grad, 2) < s.cfg.GradientDifference {
			fit.Iterations = it
			fit.State = StateConverged
			break
		}

		var jtj mat.SymDense
		jtj.SymOuterK(1, jac.T())

		accepted, converged := false, false
		for try := 0; try <= s.cfg.MaxRetries; try++ {
			step, ok := solveDamped(&jtj, &grad, lambda)
			if ok {
				cand := Point{X: p.X + step[0], Y: p.Y + step[1]}
				candCost := s.Cost(cand)
				if cand.finite() && isFinite(candCost) && candCost < cost {
					converged = cost-candCost < s.cfg.ErrorTolerance
					p, cost = cand, candCost
					lambda = clamp(lambda/s.cfg.DampingDecrease, minDamping, maxDamping)
					accepted = true
					break
				}
			}
			lambda = clamp(lambda*s.cfg.DampingIncrease, minDamping, maxDamping)
		}

		fit.Position, fit.Cost, fit.Damping, fit.Iterations = p, cost, lambda, it+1
		if s.cfg.Observer != nil {
			s.cfg.Observer(Iteration{Index: it, Position: p, Cost: cost, Damping: lambda, Accepted: accepted})
		}
		if converged {
			fit.State = StateConverged
			break
		}
	}
	if fit.State == StateIterating {
		fit.State = StateMaxIterationsReached
	}

	if !p.finite() || !isFinite(cost) {
		fit.State = StateDiverged
		return fit, &NumericDivergenceError{Cost: cost, Position: p}
	}
	fit.HDOP = s.HDOP(p)
	return fit, nil
}
