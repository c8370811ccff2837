// Package geometry provides the planar rigid-body value types shared by the
// state estimator and the trajectory optimizer: Vec2, Rotation2D, Pose2D and
// its non-holonomic tangent Twist.
package geometry

import (
	"fmt"
	"math"
	"time"
)

// smallAngle is the threshold below which series expansions replace the
// closed forms of sin(x)/x and (1-cos(x))/x.
const smallAngle = 1e-9

// Vec2 is a 2D vector in metres.
type Vec2 struct {
	X float64
	Y float64
}

func (v Vec2) Add(o Vec2) Vec2             { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Sub(o Vec2) Vec2             { return Vec2{v.X - o.X, v.Y - o.Y} }
func (v Vec2) Scale(f float64) Vec2        { return Vec2{v.X * f, v.Y * f} }
func (v Vec2) Norm() float64               { return math.Hypot(v.X, v.Y) }
func (v Vec2) Lerp(o Vec2, f float64) Vec2 { return v.Add(o.Sub(v).Scale(f)) }

// Rotation2D is a unit complex number (cos, sin) representing an element of
// SO(2). The zero value is the identity rotation.
type Rotation2D struct {
	c float64
	s float64
}

// IdentityRotation returns the zero rotation.
func IdentityRotation() Rotation2D { return Rotation2D{c: 1} }

// RotationFromAngle returns the rotation by angle radians.
func RotationFromAngle(angle float64) Rotation2D {
	return Rotation2D{c: math.Cos(angle), s: math.Sin(angle)}
}

// NewRotation builds a rotation from a (not necessarily unit) 2-vector.
// Degenerate or non-finite input yields the identity.
func NewRotation(c, s float64) Rotation2D {
	n := math.Hypot(c, s)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return IdentityRotation()
	}
	return Rotation2D{c: c / n, s: s / n}
}

// Cos returns the real part of the rotation.
func (r Rotation2D) Cos() float64 {
	if r.c == 0 && r.s == 0 {
		return 1
	}
	return r.c
}

// Sin returns the imaginary part of the rotation.
func (r Rotation2D) Sin() float64 { return r.s }

// Angle returns the rotation angle in (-pi, pi].
func (r Rotation2D) Angle() float64 { return math.Atan2(r.Sin(), r.Cos()) }

// Compose returns r followed by o. The result is renormalised so repeated
// composition cannot drift off the unit circle.
func (r Rotation2D) Compose(o Rotation2D) Rotation2D {
	c1, s1 := r.Cos(), r.Sin()
	c2, s2 := o.Cos(), o.Sin()
	return NewRotation(c1*c2-s1*s2, s1*c2+c1*s2)
}

// Inverse returns the opposite rotation.
func (r Rotation2D) Inverse() Rotation2D { return Rotation2D{c: r.Cos(), s: -r.Sin()} }

// Rotate applies the rotation to v.
func (r Rotation2D) Rotate(v Vec2) Vec2 {
	c, s := r.Cos(), r.Sin()
	return Vec2{c*v.X - s*v.Y, s*v.X + c*v.Y}
}

// Slerp interpolates along the shorter arc from r to o.
func (r Rotation2D) Slerp(o Rotation2D, f float64) Rotation2D {
	delta := r.Inverse().Compose(o).Angle()
	return r.Compose(RotationFromAngle(delta * f))
}

// WrapAngle maps an angle to (-pi, pi].
func WrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// Pose2D is a position plus orientation in the plane.
type Pose2D struct {
	Position Vec2
	Rotation Rotation2D
}

// NewPose2D builds a pose from coordinates and a heading in radians.
func NewPose2D(x, y, heading float64) Pose2D {
	return Pose2D{Position: Vec2{x, y}, Rotation: RotationFromAngle(heading)}
}

// IdentityPose returns the origin pose.
func IdentityPose() Pose2D { return Pose2D{Rotation: IdentityRotation()} }

// Heading returns the orientation angle in (-pi, pi].
func (p Pose2D) Heading() float64 { return p.Rotation.Angle() }

// Compose returns p * o, i.e. o expressed in p's frame mapped to the parent.
func (p Pose2D) Compose(o Pose2D) Pose2D {
	return Pose2D{
		Position: p.Position.Add(p.Rotation.Rotate(o.Position)),
		Rotation: p.Rotation.Compose(o.Rotation),
	}
}

// Inverse returns p^-1.
func (p Pose2D) Inverse() Pose2D {
	inv := p.Rotation.Inverse()
	return Pose2D{
		Position: inv.Rotate(p.Position).Scale(-1),
		Rotation: inv,
	}
}

// Between returns a^-1 * b, the pose of b relative to a.
func Between(a, b Pose2D) Pose2D { return a.Inverse().Compose(b) }

// IsFinite reports whether every component is finite.
func (p Pose2D) IsFinite() bool {
	return finite(p.Position.X) && finite(p.Position.Y) && finite(p.Rotation.Cos()) && finite(p.Rotation.Sin())
}

func (p Pose2D) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3frad)", p.Position.X, p.Position.Y, p.Heading())
}

// Twist is the body-frame velocity of a differential-drive vehicle: the
// tangent of Pose2D with the lateral rate constrained to zero.
type Twist struct {
	Angular float64 `json:"angular"` // rad/s
	Linear  float64 `json:"linear"`  // m/s, forward
}

// IsFinite reports whether both rates are finite.
func (t Twist) IsFinite() bool { return finite(t.Angular) && finite(t.Linear) }

// Sub returns t - o component-wise.
func (t Twist) Sub(o Twist) Twist { return Twist{t.Angular - o.Angular, t.Linear - o.Linear} }

func (t Twist) String() string {
	return fmt.Sprintf("(w=%.3frad/s, v=%.3fm/s)", t.Angular, t.Linear)
}

// Exp integrates a constant twist for dt seconds starting at the identity
// and returns the resulting relative pose (the arc the vehicle drives).
func Exp(t Twist, dt float64) Pose2D {
	theta := t.Angular * dt
	d := t.Linear * dt
	a, b := arcCoefficients(theta)
	return Pose2D{
		Position: Vec2{d * a, d * b},
		Rotation: RotationFromAngle(theta),
	}
}

// Log is the inverse of Exp for a general SE(2) element: it returns the
// translational tangent (forward, lateral) and the angle of p. A pose
// reachable by a differential-drive arc has zero lateral component.
func Log(p Pose2D) (Vec2, float64) {
	theta := p.Heading()
	a, b := arcCoefficients(theta)
	det := a*a + b*b
	x, y := p.Position.X, p.Position.Y
	return Vec2{(a*x + b*y) / det, (-b*x + a*y) / det}, theta
}

// arcCoefficients returns sin(x)/x and (1-cos(x))/x.
func arcCoefficients(theta float64) (float64, float64) {
	if math.Abs(theta) < smallAngle {
		return 1 - theta*theta/6, theta / 2
	}
	return math.Sin(theta) / theta, (1 - math.Cos(theta)) / theta
}

// Transform is a stamped rigid transform between two named frames.
type Transform struct {
	Stamp       time.Time
	ParentFrame string
	ChildFrame  string
	Pose        Pose2D
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
