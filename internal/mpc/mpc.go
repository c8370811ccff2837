// Package mpc is the receding-horizon trajectory optimiser. Each Solve
// builds a least-squares problem over a discretised horizon, seeded from
// the current state estimate, and drives it towards kinematic feasibility
// by escalating a penalty weight on the kinematic constraint residuals.
//
// An Mpc has a single owner and is not safe for concurrent use.
package mpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kullken/Pet-Mk-IV/internal/geometry"
	"github.com/kullken/Pet-Mk-IV/internal/kinematics"
	"github.com/kullken/Pet-Mk-IV/internal/monitoring"
	"github.com/kullken/Pet-Mk-IV/internal/nlsq"
	"github.com/kullken/Pet-Mk-IV/internal/trajectory"
)

// ErrNoReferencePath is returned by Solve before SetReferencePath.
var ErrNoReferencePath = errors.New("reference path must be set before solving")

var logf = monitoring.Tagged("Mpc")

// Setpoint is one stage of the optimal path.
type Setpoint struct {
	Elapsed time.Duration
	Pose    geometry.Pose2D
	Twist   geometry.Twist
}

// Report describes one Solve.
type Report struct {
	PenaltyIterations  int
	PenaltyCoefficient float64 // weight used by the last iteration
	Feasible           bool
	MaxConstraintCost  float64 // worst unweighted kinematic residual cost
	SolverIterations   int     // summed over penalty iterations
	Summary            nlsq.Summary
	Elapsed            time.Duration
}

// Mpc holds the problem configuration and the last optimal path.
type Mpc struct {
	model  kinematics.Model
	opts   Options
	size   int
	solver nlsq.Solver

	reference    []geometry.Pose2D
	referenceSet bool

	initialPose  geometry.Pose2D
	initialTwist geometry.Twist

	optimalPath []geometry.Pose2D
	twists      []geometry.Twist
}

// New validates the options and returns an optimiser with no reference.
func New(model kinematics.Model, opts Options) (*Mpc, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Mpc{
		model:       model,
		opts:        opts,
		size:        opts.ProblemSize(),
		solver:      nlsq.NewLevenbergMarquardt(opts.MaxSolverIterations),
		initialPose: geometry.IdentityPose(),
	}, nil
}

// SetSolver replaces the least-squares solver.
func (m *Mpc) SetSolver(s nlsq.Solver) { m.solver = s }

// Options returns the configured options.
func (m *Mpc) Options() Options { return m.opts }

// ProblemSize returns the number of stages N.
func (m *Mpc) ProblemSize() int { return m.size }

// SetReferencePath samples t at every stage. Every stage past the end of
// t holds t.End().
func (m *Mpc) SetReferencePath(t trajectory.Trajectory) {
	ref := make([]geometry.Pose2D, 0, m.size)
	for i := 0; i < m.size; i++ {
		elapsed := time.Duration(i) * m.opts.TimeStep
		if elapsed > t.Duration() {
			ref = append(ref, t.End())
			continue
		}
		ref = append(ref, t.Pose(elapsed))
	}
	m.reference = ref
	m.referenceSet = true
}

// ReferencePath returns the sampled reference, one pose per stage.
func (m *Mpc) ReferencePath() []geometry.Pose2D {
	return append([]geometry.Pose2D(nil), m.reference...)
}

// HasReferencePath reports whether SetReferencePath has been called.
func (m *Mpc) HasReferencePath() bool { return m.referenceSet }

// SetInitialPose fixes the stage-0 pose.
func (m *Mpc) SetInitialPose(p geometry.Pose2D) { m.initialPose = p }

// SetInitialTwist fixes the stage-0 twist.
func (m *Mpc) SetInitialTwist(t geometry.Twist) { m.initialTwist = t }

// OptimalPath returns one Setpoint per stage at i*time_step from the last
// successful Solve, or nil before one.
func (m *Mpc) OptimalPath() []Setpoint {
	if m.optimalPath == nil {
		return nil
	}
	out := make([]Setpoint, m.size)
	for i := range out {
		out[i] = Setpoint{
			Elapsed: time.Duration(i) * m.opts.TimeStep,
			Pose:    m.optimalPath[i],
			Twist:   m.twists[i],
		}
	}
	return out
}

// OptimalTwists returns the twist of every stage from the last successful
// Solve.
func (m *Mpc) OptimalTwists() []geometry.Twist {
	return append([]geometry.Twist(nil), m.twists...)
}

// Solve optimises the horizon. It fails with ErrNoReferencePath before a
// reference is set, and with an error wrapping nlsq.ErrNumericFailure when
// the solver produces no usable iterate; in both cases the previous optimal
// path is kept. Reaching the penalty cap without feasibility is not an
// error: the last solution is kept and Report.Feasible is false.
func (m *Mpc) Solve(ctx context.Context) (Report, error) {
	if !m.referenceSet {
		return Report{}, ErrNoReferencePath
	}
	start := time.Now()

	path, twists := m.initialValues()
	b := m.build(path, twists)

	report := Report{}
	for iter := 1; iter <= m.opts.MaxPenaltyIterations; iter++ {
		if iter > 1 {
			b.penalty *= m.opts.PenaltyIncreaseFactor
		}
		report.PenaltyIterations = iter
		report.PenaltyCoefficient = b.penalty

		summary, err := m.solver.Solve(ctx, b.problem)
		report.Summary = summary
		report.SolverIterations += summary.Iterations
		if err != nil {
			return report, fmt.Errorf("penalty iteration %d: %w", iter, err)
		}

		report.MaxConstraintCost = b.maxConstraintCost()
		if report.MaxConstraintCost <= m.opts.MaxConstraintCost {
			report.Feasible = true
			break
		}
	}
	if !report.Feasible {
		logf("max penalty iterations (%d) reached, worst constraint cost %.3g > %.3g",
			m.opts.MaxPenaltyIterations, report.MaxConstraintCost, m.opts.MaxConstraintCost)
	}

	m.optimalPath, m.twists = b.read()
	report.Elapsed = time.Since(start)
	return report, nil
}

// initialValues propagates stage 0 under the constant initial twist.
func (m *Mpc) initialValues() ([]geometry.Pose2D, []geometry.Twist) {
	dt := m.opts.TimeStep.Seconds()
	path := make([]geometry.Pose2D, m.size)
	twists := make([]geometry.Twist, m.size)
	path[0], twists[0] = m.initialPose, m.initialTwist
	for i := 1; i < m.size; i++ {
		path[i] = kinematics.Propagate(path[i-1], m.initialTwist, dt)
		twists[i] = m.initialTwist
	}
	return path, twists
}
