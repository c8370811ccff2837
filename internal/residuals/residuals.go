// Package residuals defines the cost terms of the trajectory optimisation.
// Every function is pure: it maps pose and twist values to a residual
// vector whose squared norm, scaled by a weight, is the term's cost.
package residuals

import (
	"github.com/kullken/Pet-Mk-IV/internal/geometry"
	"github.com/kullken/Pet-Mk-IV/internal/kinematics"
)

// Sizes of the residual vectors.
const (
	ReferencePathSize       = 3
	VelocityChangeSize      = 2
	KinematicConstraintSize = 3
)

// ReferencePath is the tracking error between an optimised pose and its
// reference sample: (dx, dy, dheading) with the heading difference wrapped
// to (-pi, pi].
func ReferencePath(reference, optimized geometry.Pose2D) [ReferencePathSize]float64 {
	d := optimized.Position.Sub(reference.Position)
	dtheta := reference.Rotation.Inverse().Compose(optimized.Rotation).Angle()
	return [ReferencePathSize]float64{d.X, d.Y, dtheta}
}

// VelocityChange penalises the step between consecutive twists.
func VelocityChange(current, previous geometry.Twist) [VelocityChangeSize]float64 {
	d := current.Sub(previous)
	return [VelocityChangeSize]float64{d.Angular, d.Linear}
}

// KinematicConstraint is the deviation of next from the pose reached by
// driving prev under twist for dt seconds, expressed in the propagated
// frame as the SE(2) tangent (forward, lateral, heading). It is zero
// exactly when next is kinematically reachable, and uses the same
// integration law as the optimiser's warm start.
func KinematicConstraint(next, prev geometry.Pose2D, twist geometry.Twist, dt float64) [KinematicConstraintSize]float64 {
	predicted := kinematics.Propagate(prev, twist, dt)
	v, theta := geometry.Log(geometry.Between(predicted, next))
	return [KinematicConstraintSize]float64{v.X, v.Y, theta}
}

// Cost is 0.5 * weight * |r|^2.
func Cost(r []float64, weight float64) float64 {
	var sum float64
	for _, v := range r {
		sum += v * v
	}
	return 0.5 * weight * sum
}
