package kinematics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kullken/Pet-Mk-IV/internal/config"
	"github.com/kullken/Pet-Mk-IV/internal/geometry"
)

func assertPoseNear(t *testing.T, want, got geometry.Pose2D, delta float64) {
	t.Helper()
	assert.InDelta(t, want.Position.X, got.Position.X, delta, "x")
	assert.InDelta(t, want.Position.Y, got.Position.Y, delta, "y")
	assert.InDelta(t, 0, geometry.WrapAngle(want.Heading()-got.Heading()), delta, "heading")
}

func TestNewModelValidation(t *testing.T) {
	t.Parallel()

	_, err := NewModel(0, 1)
	assert.Error(t, err)
	_, err = NewModel(1, math.Inf(1))
	assert.Error(t, err)
	_, err = NewModel(math.NaN(), 1)
	assert.Error(t, err)

	m, err := NewModel(2, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 2.0, m.MaxAngularSpeed())
	assert.Equal(t, 0.5, m.MaxLinearSpeed())
}

func TestModelFromTuning(t *testing.T) {
	t.Parallel()

	m, err := ModelFromTuning(config.EmptyTuningConfig())
	require.NoError(t, err)
	lo, hi := m.Bounds()
	assert.Equal(t, []float64{-2, -0.5}, lo)
	assert.Equal(t, []float64{2, 0.5}, hi)
}

func TestPropagateZeroDtIsIdentity(t *testing.T) {
	t.Parallel()

	p := geometry.NewPose2D(1, -2, 0.7)
	got := Propagate(p, geometry.Twist{Angular: 1.3, Linear: 0.4}, 0)
	assert.Equal(t, p, got)
}

func TestPropagateComposes(t *testing.T) {
	t.Parallel()

	p := geometry.NewPose2D(0.5, 0.25, -1.1)
	twists := []geometry.Twist{
		{Angular: 0, Linear: 0.5},
		{Angular: 0.8, Linear: 0.3},
		{Angular: -1.9, Linear: 0.1},
		{Angular: 1, Linear: 0},
	}
	for _, tw := range twists {
		twoSteps := Propagate(Propagate(p, tw, 0.3), tw, 0.45)
		oneStep := Propagate(p, tw, 0.75)
		assertPoseNear(t, oneStep, twoSteps, 1e-9)
	}
}

func TestClampAndAdmissible(t *testing.T) {
	t.Parallel()

	m, err := NewModel(1, 0.5)
	require.NoError(t, err)

	c := m.Clamp(geometry.Twist{Angular: -3, Linear: 2})
	assert.Equal(t, geometry.Twist{Angular: -1, Linear: 0.5}, c)
	assert.True(t, m.Admissible(c))
	assert.False(t, m.Admissible(geometry.Twist{Linear: 0.51}))
}

func TestJacobianMatchesFiniteDifferences(t *testing.T) {
	t.Parallel()

	pose := geometry.NewPose2D(0.3, -0.2, 0.9)
	twist := geometry.Twist{Angular: 0.6, Linear: 0.4}
	const dt = 0.5
	J := Jacobian(pose, twist, dt)

	state := [5]float64{pose.Position.X, pose.Position.Y, pose.Heading(), twist.Angular, twist.Linear}
	eval := func(s [5]float64) [3]float64 {
		out := Propagate(geometry.NewPose2D(s[0], s[1], s[2]), geometry.Twist{Angular: s[3], Linear: s[4]}, dt)
		return [3]float64{out.Position.X, out.Position.Y, out.Heading()}
	}

	const h = 1e-6
	for col := 0; col < 5; col++ {
		plus, minus := state, state
		plus[col] += h
		minus[col] -= h
		fp, fm := eval(plus), eval(minus)
		for row := 0; row < 3; row++ {
			numeric := (fp[row] - fm[row]) / (2 * h)
			assert.InDelta(t, numeric, J[row][col], 1e-5, "J[%d][%d]", row, col)
		}
	}
}
