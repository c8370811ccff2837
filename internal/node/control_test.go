package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kullken/Pet-Mk-IV/internal/estimator"
	"github.com/kullken/Pet-Mk-IV/internal/geometry"
	"github.com/kullken/Pet-Mk-IV/internal/kinematics"
	"github.com/kullken/Pet-Mk-IV/internal/monitoring"
	"github.com/kullken/Pet-Mk-IV/internal/mpc"
	"github.com/kullken/Pet-Mk-IV/internal/nlsq"
	"github.com/kullken/Pet-Mk-IV/internal/trajectory"
)

type fixedSource struct {
	state estimator.StateOutput
	ok    bool
}

func (s *fixedSource) Latest() (estimator.StateOutput, bool) { return s.state, s.ok }

type failingSolver struct{}

func (failingSolver) Solve(context.Context, *nlsq.Problem) (nlsq.Summary, error) {
	return nlsq.Summary{}, nlsq.ErrNumericFailure
}

func newTestMpc(t *testing.T) *mpc.Mpc {
	t.Helper()
	model, err := kinematics.NewModel(2, 0.5)
	require.NoError(t, err)
	opts := mpc.DefaultOptions()
	opts.TimeHorizon = time.Second
	opts.TimeStep = 250 * time.Millisecond
	m, err := mpc.New(model, opts)
	require.NoError(t, err)
	return m
}

func stateAt(pose geometry.Pose2D) estimator.StateOutput {
	return estimator.StateOutput{
		X:       pose.Position.X,
		Y:       pose.Position.Y,
		Heading: pose.Heading(),
		Pose:    pose,
		Phase:   estimator.Running.String(),
	}
}

func TestControlAbortsWithoutEstimate(t *testing.T) {
	monitoring.SetLogger(nil)
	published := 0
	c := NewControl(newTestMpc(t), &fixedSource{}, SetpointPublisherFunc(func(Plan) { published++ }))
	c.SetReference(trajectory.NewStationary(geometry.IdentityPose(), time.Second), at(0))

	_, err := c.Step(context.Background(), at(0))
	assert.ErrorIs(t, err, ErrNoEstimate)
	assert.Zero(t, published)
	_, ok := c.LatestPlan()
	assert.False(t, ok)
}

func TestControlWaitsForRunningEstimate(t *testing.T) {
	monitoring.SetLogger(nil)
	published := 0
	state := stateAt(geometry.IdentityPose())
	state.Phase = estimator.Initialized.String()
	source := &fixedSource{state: state, ok: true}
	c := NewControl(newTestMpc(t), source, SetpointPublisherFunc(func(Plan) { published++ }))
	c.SetReference(trajectory.NewLinear(geometry.IdentityPose(), geometry.NewPose2D(0.5, 0, 0), 2*time.Second), at(0))

	_, err := c.Step(context.Background(), at(0))
	assert.ErrorIs(t, err, ErrEstimateNotRunning)
	assert.Zero(t, published)
	assert.Contains(t, c.Stats().LastError, "initialized")

	source.state.Phase = estimator.Running.String()
	_, err = c.Step(context.Background(), at(200))
	require.NoError(t, err)
	assert.Equal(t, 1, published)
}

func TestControlAbortsWithoutReference(t *testing.T) {
	monitoring.SetLogger(nil)
	published := 0
	source := &fixedSource{state: stateAt(geometry.IdentityPose()), ok: true}
	c := NewControl(newTestMpc(t), source, SetpointPublisherFunc(func(Plan) { published++ }))

	_, err := c.Step(context.Background(), at(0))
	assert.ErrorIs(t, err, mpc.ErrNoReferencePath)
	_, err = c.Step(context.Background(), at(200))
	assert.ErrorIs(t, err, mpc.ErrNoReferencePath)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Cycles)
	assert.Equal(t, uint64(2), stats.Aborted)
	assert.Equal(t, mpc.ErrNoReferencePath.Error(), stats.LastError)
	assert.Zero(t, published)
}

func TestControlPublishesPlan(t *testing.T) {
	monitoring.SetLogger(nil)
	var plans []Plan
	source := &fixedSource{state: stateAt(geometry.IdentityPose()), ok: true}
	c := NewControl(newTestMpc(t), source, SetpointPublisherFunc(func(p Plan) { plans = append(plans, p) }))
	c.SetReference(trajectory.NewLinear(geometry.IdentityPose(), geometry.NewPose2D(0.5, 0, 0), 2*time.Second), at(0))

	plan, err := c.Step(context.Background(), at(0))
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, plan, plans[0])
	assert.Equal(t, at(0), plan.Stamp)
	assert.Len(t, plan.Setpoints, 4)
	assert.Len(t, plan.Reference, 4)
	assert.True(t, plan.Report.Feasible)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Solved)
	assert.Empty(t, stats.LastError)
}

func TestControlFollowsReferenceClock(t *testing.T) {
	monitoring.SetLogger(nil)
	source := &fixedSource{state: stateAt(geometry.NewPose2D(0.25, 0, 0)), ok: true}
	c := NewControl(newTestMpc(t), source)
	c.SetReference(trajectory.NewLinear(geometry.IdentityPose(), geometry.NewPose2D(1, 0, 0), 2*time.Second), at(0))

	plan, err := c.Step(context.Background(), at(1000))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, plan.Reference[0].Position.X, 1e-9)
	assert.InDelta(t, 0.25, plan.Setpoints[0].Pose.Position.X, 1e-9)

	// Past the end, every stage holds the final pose.
	plan, err = c.Step(context.Background(), at(5000))
	require.NoError(t, err)
	for _, ref := range plan.Reference {
		assert.InDelta(t, 1, ref.Position.X, 1e-9)
	}
}

func TestControlSolverFailureKeepsPreviousPlan(t *testing.T) {
	monitoring.SetLogger(nil)
	m := newTestMpc(t)
	source := &fixedSource{state: stateAt(geometry.IdentityPose()), ok: true}
	published := 0
	c := NewControl(m, source, SetpointPublisherFunc(func(Plan) { published++ }))
	c.SetReference(trajectory.NewStationary(geometry.NewPose2D(0.1, 0, 0), time.Second), at(0))

	first, err := c.Step(context.Background(), at(0))
	require.NoError(t, err)

	m.SetSolver(failingSolver{})
	_, err = c.Step(context.Background(), at(200))
	assert.True(t, errors.Is(err, nlsq.ErrNumericFailure))
	assert.Equal(t, 1, published)

	latest, ok := c.LatestPlan()
	require.True(t, ok)
	assert.Equal(t, first, latest)
	assert.Equal(t, uint64(1), c.Stats().Aborted)
}

func TestControlClearReference(t *testing.T) {
	monitoring.SetLogger(nil)
	source := &fixedSource{state: stateAt(geometry.IdentityPose()), ok: true}
	c := NewControl(newTestMpc(t), source)
	ref := trajectory.NewStationary(geometry.IdentityPose(), time.Second)
	c.SetReference(ref, at(100))

	got, start := c.Reference()
	assert.Equal(t, ref, got)
	assert.Equal(t, at(100), start)

	c.ClearReference()
	got, _ = c.Reference()
	assert.Nil(t, got)
	_, err := c.Step(context.Background(), at(200))
	assert.ErrorIs(t, err, mpc.ErrNoReferencePath)
}

func TestPlanCommand(t *testing.T) {
	_, ok := Plan{}.Command()
	assert.False(t, ok)

	one := Plan{Setpoints: []mpc.Setpoint{{Twist: geometry.Twist{Linear: 0.1}}}}
	cmd, ok := one.Command()
	require.True(t, ok)
	assert.Equal(t, 0.1, cmd.Linear)

	two := Plan{Setpoints: []mpc.Setpoint{
		{Twist: geometry.Twist{Linear: 0.1}},
		{Twist: geometry.Twist{Linear: 0.3, Angular: -0.2}},
	}}
	cmd, ok = two.Command()
	require.True(t, ok)
	assert.Equal(t, geometry.Twist{Angular: -0.2, Linear: 0.3}, cmd)
}
