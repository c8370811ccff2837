package trajectory

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kullken/Pet-Mk-IV/internal/geometry"
)

func assertPoseNear(t *testing.T, want, got geometry.Pose2D) {
	t.Helper()
	assert.InDelta(t, want.Position.X, got.Position.X, 1e-9, "x")
	assert.InDelta(t, want.Position.Y, got.Position.Y, 1e-9, "y")
	assert.InDelta(t, 0, geometry.WrapAngle(want.Heading()-got.Heading()), 1e-9, "heading")
}

func TestLinear(t *testing.T) {
	t.Parallel()

	start := geometry.NewPose2D(0, 0, 0)
	end := geometry.NewPose2D(2, 1, math.Pi/2)
	l := NewLinear(start, end, 2*time.Second)

	assert.Equal(t, 2*time.Second, l.Duration())
	assertPoseNear(t, start, l.Pose(0))
	assertPoseNear(t, geometry.NewPose2D(1, 0.5, math.Pi/4), l.Pose(time.Second))
	assertPoseNear(t, end, l.Pose(2*time.Second))
	assertPoseNear(t, end, l.Pose(time.Hour))
	assertPoseNear(t, start, l.Pose(-time.Second))
}

func TestLinearSlerpTakesShortArc(t *testing.T) {
	t.Parallel()

	l := NewLinear(geometry.NewPose2D(0, 0, 3), geometry.NewPose2D(0, 0, -3), time.Second)
	mid := l.Pose(500 * time.Millisecond)
	assert.InDelta(t, math.Pi, math.Abs(mid.Heading()), 1e-9)
}

func TestZeroDurationIsAtEnd(t *testing.T) {
	t.Parallel()

	end := geometry.NewPose2D(1, 1, 1)
	l := NewLinear(geometry.IdentityPose(), end, -time.Second)
	assert.Equal(t, time.Duration(0), l.Duration())
	assertPoseNear(t, end, l.Pose(0))
}

func TestStationary(t *testing.T) {
	t.Parallel()

	p := geometry.NewPose2D(0.5, -0.5, 0.3)
	s := NewStationary(p, 3*time.Second)
	for _, at := range []time.Duration{0, time.Second, 10 * time.Second} {
		assert.Equal(t, p, s.Pose(at))
	}
	assert.Equal(t, p, s.End())
}

func TestPiecewise(t *testing.T) {
	t.Parallel()

	a := geometry.NewPose2D(0, 0, 0)
	b := geometry.NewPose2D(1, 0, 0)
	c := geometry.NewPose2D(1, 1, math.Pi/2)
	p, err := NewPiecewise(
		NewLinear(a, b, time.Second),
		NewStationary(b, 500*time.Millisecond),
		NewLinear(b, c, time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, 2500*time.Millisecond, p.Duration())
	assert.Equal(t, 3, p.Segments())
	assertPoseNear(t, geometry.NewPose2D(0.5, 0, 0), p.Pose(500*time.Millisecond))
	assertPoseNear(t, b, p.Pose(time.Second))
	assertPoseNear(t, b, p.Pose(1200*time.Millisecond))
	assertPoseNear(t, geometry.NewPose2D(1, 0.5, math.Pi/4), p.Pose(2*time.Second))
	assertPoseNear(t, c, p.Pose(p.Duration()))
	assertPoseNear(t, c, p.End())

	_, err = NewPiecewise()
	assert.Error(t, err)
}

func TestWaypoints(t *testing.T) {
	t.Parallel()

	p, err := Waypoints(0.5,
		geometry.NewPose2D(0, 0, 0),
		geometry.NewPose2D(1, 0, 0),
		geometry.NewPose2D(1, 0, math.Pi/2),
		geometry.NewPose2D(1, 2, math.Pi/2),
	)
	require.NoError(t, err)

	// 2s straight, pi/2 / 0.5 = pi s turning, 4s straight.
	wantSeconds := 6 + math.Pi
	want := time.Duration(wantSeconds * float64(time.Second))
	assert.InDelta(t, float64(want), float64(p.Duration()), float64(time.Microsecond))
	assertPoseNear(t, geometry.NewPose2D(1, 2, math.Pi/2), p.End())
	assertPoseNear(t, geometry.NewPose2D(0.5, 0, 0), p.Pose(time.Second))
}

func TestWaypointsValidation(t *testing.T) {
	t.Parallel()

	_, err := Waypoints(0, geometry.IdentityPose())
	assert.Error(t, err)
	_, err = Waypoints(1)
	assert.Error(t, err)
	_, err = Waypoints(1, geometry.NewPose2D(math.NaN(), 0, 0))
	assert.Error(t, err)

	single, err := Waypoints(1, geometry.NewPose2D(3, 4, 0))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), single.Duration())
	assertPoseNear(t, geometry.NewPose2D(3, 4, 0), single.Pose(time.Second))
}

func TestSample(t *testing.T) {
	t.Parallel()

	l := NewLinear(geometry.IdentityPose(), geometry.NewPose2D(1, 0, 0), time.Second)
	got := Sample(l, 300*time.Millisecond)
	require.Len(t, got, 5)
	assert.InDelta(t, 0.3, got[1].Position.X, 1e-9)
	assertPoseNear(t, l.End(), got[4])

	assert.Len(t, Sample(l, 0), 1)
}

func TestOffset(t *testing.T) {
	t.Parallel()

	l := NewLinear(geometry.IdentityPose(), geometry.NewPose2D(2, 0, 0), 2*time.Second)
	assert.Equal(t, Trajectory(l), Offset(l, 0))

	o := Offset(l, 500*time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, o.Duration())
	assertPoseNear(t, geometry.NewPose2D(0.5, 0, 0), o.Pose(0))
	assertPoseNear(t, geometry.NewPose2D(1.5, 0, 0), o.Pose(time.Second))
	assertPoseNear(t, l.End(), o.End())

	past := Offset(l, time.Minute)
	assert.Equal(t, time.Duration(0), past.Duration())
	assertPoseNear(t, l.End(), past.Pose(0))
}
