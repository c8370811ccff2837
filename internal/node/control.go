package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kullken/Pet-Mk-IV/internal/estimator"
	"github.com/kullken/Pet-Mk-IV/internal/geometry"
	"github.com/kullken/Pet-Mk-IV/internal/mpc"
	"github.com/kullken/Pet-Mk-IV/internal/trajectory"
)

// ErrNoEstimate aborts a control cycle before the first state estimate.
var ErrNoEstimate = errors.New("no state estimate yet")

// ErrEstimateNotRunning aborts a control cycle while the estimator has not
// yet fused a measurement, so its pose is only the map origin.
var ErrEstimateNotRunning = errors.New("state estimate not running")

// Plan is the output of one successful control cycle.
type Plan struct {
	Stamp     time.Time
	Setpoints []mpc.Setpoint
	Reference []geometry.Pose2D
	Report    mpc.Report
}

// Command returns the twist to apply until the next plan: the first
// optimised stage, since stage 0 is the measured twist.
func (p Plan) Command() (geometry.Twist, bool) {
	switch len(p.Setpoints) {
	case 0:
		return geometry.Twist{}, false
	case 1:
		return p.Setpoints[0].Twist, true
	default:
		return p.Setpoints[1].Twist, true
	}
}

// SetpointPublisher receives every new plan. Aborted cycles publish nothing,
// so subscribers keep acting on the previous plan.
type SetpointPublisher interface {
	PublishPlan(Plan)
}

// SetpointPublisherFunc adapts a function to SetpointPublisher.
type SetpointPublisherFunc func(Plan)

func (f SetpointPublisherFunc) PublishPlan(p Plan) { f(p) }

// EstimateSource provides the state the controller starts from.
type EstimateSource interface {
	Latest() (estimator.StateOutput, bool)
}

// ControlStats counts control cycles by outcome.
type ControlStats struct {
	Cycles     uint64 `json:"cycles"`
	Solved     uint64 `json:"solved"`
	Infeasible uint64 `json:"infeasible"`
	Aborted    uint64 `json:"aborted"`
	LastError  string `json:"last_error,omitempty"`
}

// Control owns the optimiser and the active reference trajectory.
type Control struct {
	source     EstimateSource
	publishers []SetpointPublisher

	mu             sync.Mutex
	mpc            *mpc.Mpc
	reference      trajectory.Trajectory
	referenceStart time.Time
	plan           Plan
	havePlan       bool
	stats          ControlStats
}

// NewControl returns a control task solving m from source's estimates.
func NewControl(m *mpc.Mpc, source EstimateSource, publishers ...SetpointPublisher) *Control {
	return &Control{mpc: m, source: source, publishers: publishers}
}

// SetReference makes t the active reference, starting at start.
func (c *Control) SetReference(t trajectory.Trajectory, start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reference = t
	c.referenceStart = start
}

// ClearReference removes the active reference. Later cycles abort until a
// new one is set.
func (c *Control) ClearReference() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reference = nil
}

// Reference returns the active reference and its start time.
func (c *Control) Reference() (trajectory.Trajectory, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reference, c.referenceStart
}

// Step runs one control cycle at now. It aborts until the estimate is
// running. On error nothing is published and the previous plan stays current.
func (c *Control) Step(ctx context.Context, now time.Time) (Plan, error) {
	state, ok := c.source.Latest()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Cycles++

	if !ok {
		return c.abort(ErrNoEstimate)
	}
	if state.Phase != estimator.Running.String() {
		return c.abort(fmt.Errorf("%w: estimator %s", ErrEstimateNotRunning, state.Phase))
	}
	if c.reference == nil {
		return c.abort(mpc.ErrNoReferencePath)
	}

	c.mpc.SetReferencePath(trajectory.Offset(c.reference, now.Sub(c.referenceStart)))
	c.mpc.SetInitialPose(state.Pose)
	c.mpc.SetInitialTwist(state.Twist)

	report, err := c.mpc.Solve(ctx)
	if err != nil {
		return c.abort(err)
	}

	c.stats.Solved++
	if !report.Feasible {
		c.stats.Infeasible++
	}
	if c.stats.LastError != "" {
		logf("control recovered after: %s", c.stats.LastError)
		c.stats.LastError = ""
	}
	c.plan = Plan{
		Stamp:     now,
		Setpoints: c.mpc.OptimalPath(),
		Reference: c.mpc.ReferencePath(),
		Report:    report,
	}
	c.havePlan = true

	for _, p := range c.publishers {
		p.PublishPlan(c.plan)
	}
	return c.plan, nil
}

// abort records a failed cycle, logging only when the reason changes.
func (c *Control) abort(err error) (Plan, error) {
	c.stats.Aborted++
	if msg := err.Error(); msg != c.stats.LastError {
		logf("control cycle aborted: %v", err)
		c.stats.LastError = msg
	}
	return Plan{}, err
}

// LatestPlan returns the last published plan. ok is false before the first
// successful cycle.
func (c *Control) LatestPlan() (Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plan, c.havePlan
}

// Stats returns the control counters.
func (c *Control) Stats() ControlStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
