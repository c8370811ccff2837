// Package kinematics holds the differential-drive motion model used both to
// predict the state estimate and to constrain the trajectory optimizer.
package kinematics

import (
	"fmt"
	"math"

	"github.com/kullken/Pet-Mk-IV/internal/config"
	"github.com/kullken/Pet-Mk-IV/internal/geometry"
)

// Model is an immutable differential-drive model with symmetric speed limits.
type Model struct {
	maxAngularSpeed float64 // rad/s
	maxLinearSpeed  float64 // m/s
}

// NewModel validates the speed limits and returns a Model.
func NewModel(maxAngularSpeed, maxLinearSpeed float64) (Model, error) {
	if !(maxAngularSpeed > 0) || math.IsInf(maxAngularSpeed, 0) {
		return Model{}, fmt.Errorf("max angular speed must be positive and finite, got %v", maxAngularSpeed)
	}
	if !(maxLinearSpeed > 0) || math.IsInf(maxLinearSpeed, 0) {
		return Model{}, fmt.Errorf("max linear speed must be positive and finite, got %v", maxLinearSpeed)
	}
	return Model{maxAngularSpeed: maxAngularSpeed, maxLinearSpeed: maxLinearSpeed}, nil
}

// ModelFromTuning builds a Model from a loaded TuningConfig.
func ModelFromTuning(cfg *config.TuningConfig) (Model, error) {
	return NewModel(cfg.GetMaxAngularSpeed(), cfg.GetMaxLinearSpeed())
}

// MaxAngularSpeed returns the angular speed bound in rad/s.
func (m Model) MaxAngularSpeed() float64 { return m.maxAngularSpeed }

// MaxLinearSpeed returns the linear speed bound in m/s.
func (m Model) MaxLinearSpeed() float64 { return m.maxLinearSpeed }

// Bounds returns the (angular, linear) lower and upper twist limits in the
// parameter order used by the optimizer.
func (m Model) Bounds() (lower, upper []float64) {
	return []float64{-m.maxAngularSpeed, -m.maxLinearSpeed},
		[]float64{m.maxAngularSpeed, m.maxLinearSpeed}
}

// Clamp saturates a twist to the model's limits.
func (m Model) Clamp(t geometry.Twist) geometry.Twist {
	return geometry.Twist{
		Angular: math.Max(-m.maxAngularSpeed, math.Min(m.maxAngularSpeed, t.Angular)),
		Linear:  math.Max(-m.maxLinearSpeed, math.Min(m.maxLinearSpeed, t.Linear)),
	}
}

// Admissible reports whether t lies within the speed limits.
func (m Model) Admissible(t geometry.Twist) bool {
	return math.Abs(t.Angular) <= m.maxAngularSpeed && math.Abs(t.Linear) <= m.maxLinearSpeed
}

// Propagate drives pose along the constant-twist arc for dt seconds.
// Propagate(p, w, 0) is p, and propagating over dt1 then dt2 equals
// propagating over dt1+dt2.
func Propagate(pose geometry.Pose2D, twist geometry.Twist, dt float64) geometry.Pose2D {
	if dt == 0 {
		return pose
	}
	return pose.Compose(geometry.Exp(twist, dt))
}

// Jacobian returns the partial derivatives of Propagate's (x, y, heading)
// with respect to the start state (x, y, heading, angular, linear), as a
// row-major 3x5 array.
func Jacobian(pose geometry.Pose2D, twist geometry.Twist, dt float64) [3][5]float64 {
	var J [3][5]float64
	J[0][0], J[1][1], J[2][2] = 1, 1, 1
	if dt == 0 {
		return J
	}

	rel := geometry.Exp(twist, dt)
	c, s := pose.Rotation.Cos(), pose.Rotation.Sin()
	rx, ry := rel.Position.X, rel.Position.Y

	// d(position)/d(heading): derivative of R(theta) * rel.
	J[0][2] = -s*rx - c*ry
	J[1][2] = c*rx - s*ry

	// d(rel)/d(linear) is rel/linear; evaluated directly so linear == 0 works.
	unit := geometry.Exp(geometry.Twist{Angular: twist.Angular, Linear: 1}, dt)
	J[0][4] = c*unit.Position.X - s*unit.Position.Y
	J[1][4] = s*unit.Position.X + c*unit.Position.Y

	// d(rel)/d(angular) by central difference on the arc; the closed form is
	// singular at zero turn rate.
	const h = 1e-6
	plus := geometry.Exp(geometry.Twist{Angular: twist.Angular + h, Linear: twist.Linear}, dt)
	minus := geometry.Exp(geometry.Twist{Angular: twist.Angular - h, Linear: twist.Linear}, dt)
	dx := (plus.Position.X - minus.Position.X) / (2 * h)
	dy := (plus.Position.Y - minus.Position.Y) / (2 * h)
	J[0][3] = c*dx - s*dy
	J[1][3] = s*dx + c*dy
	J[2][3] = dt

	return J
}
