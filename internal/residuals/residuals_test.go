package residuals

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kullken/Pet-Mk-IV/internal/geometry"
	"github.com/kullken/Pet-Mk-IV/internal/kinematics"
)

func TestReferencePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		reference geometry.Pose2D
		optimized geometry.Pose2D
		want      [3]float64
	}{
		{
			name:      "identical",
			reference: geometry.NewPose2D(1, 2, 0.5),
			optimized: geometry.NewPose2D(1, 2, 0.5),
			want:      [3]float64{0, 0, 0},
		},
		{
			name:      "offset",
			reference: geometry.NewPose2D(1, 2, 0),
			optimized: geometry.NewPose2D(1.5, 1, 0.25),
			want:      [3]float64{0.5, -1, 0.25},
		},
		{
			name:      "heading wraps",
			reference: geometry.NewPose2D(0, 0, math.Pi-0.1),
			optimized: geometry.NewPose2D(0, 0, -math.Pi+0.1),
			want:      [3]float64{0, 0, 0.2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReferencePath(tt.reference, tt.optimized)
			for i := range got {
				assert.InDelta(t, tt.want[i], got[i], 1e-9, "component %d", i)
			}
		})
	}
}

func TestVelocityChange(t *testing.T) {
	t.Parallel()

	got := VelocityChange(geometry.Twist{Angular: 0.5, Linear: 0.2}, geometry.Twist{Angular: 0.1, Linear: 0.4})
	assert.InDelta(t, 0.4, got[0], 1e-12)
	assert.InDelta(t, -0.2, got[1], 1e-12)
}

func TestKinematicConstraintZeroWhenReachable(t *testing.T) {
	t.Parallel()

	prev := geometry.NewPose2D(0.3, -0.1, 0.8)
	for _, tw := range []geometry.Twist{
		{Angular: 0, Linear: 0.5},
		{Angular: 1.2, Linear: 0.3},
		{Angular: -2, Linear: 0},
	} {
		next := kinematics.Propagate(prev, tw, 0.5)
		r := KinematicConstraint(next, prev, tw, 0.5)
		for i, v := range r {
			assert.InDelta(t, 0, v, 1e-9, "twist %v component %d", tw, i)
		}
	}
}

func TestKinematicConstraintSeesLateralSlip(t *testing.T) {
	t.Parallel()

	prev := geometry.NewPose2D(0, 0, math.Pi/2)
	// Driving forward along +y, but the next pose sits sideways at -x.
	next := geometry.NewPose2D(-0.1, 0.5, math.Pi/2)
	r := KinematicConstraint(next, prev, geometry.Twist{Linear: 1}, 0.5)

	assert.InDelta(t, 0, r[0], 1e-9)
	assert.InDelta(t, 0.1, r[1], 1e-9, "lateral error in the vehicle frame")
	assert.InDelta(t, 0, r[2], 1e-9)
	assert.Greater(t, Cost(r[:], 1), 0.0)
}

func TestCost(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, Cost(nil, 10))
	assert.InDelta(t, 0.5*2*(9+16), Cost([]float64{3, 4}, 2), 1e-12)
	assert.Equal(t, 0.0, Cost([]float64{3, 4}, 0))
}
