package nlsq

import "math"

// Manifold describes how a parameter block is updated by a tangent step.
type Manifold interface {
	AmbientSize() int
	TangentSize() int
	// Plus writes x boxplus delta into out. out may alias x.
	Plus(x, delta, out []float64)
}

type euclidean int

// Euclidean returns the flat manifold R^n.
func Euclidean(n int) Manifold { return euclidean(n) }

func (e euclidean) AmbientSize() int { return int(e) }
func (e euclidean) TangentSize() int { return int(e) }

func (e euclidean) Plus(x, delta, out []float64) {
	for i := range out[:int(e)] {
		out[i] = x[i] + delta[i]
	}
}

type rotation2D struct{}

// Rotation2D is the unit circle, stored as (cos, sin) with a one-dimensional
// angular tangent. Plus renormalises so the block stays on the circle.
func Rotation2D() Manifold { return rotation2D{} }

func (rotation2D) AmbientSize() int { return 2 }
func (rotation2D) TangentSize() int { return 1 }

func (rotation2D) Plus(x, delta, out []float64) {
	c, s := math.Cos(delta[0]), math.Sin(delta[0])
	nc := x[0]*c - x[1]*s
	ns := x[0]*s + x[1]*c
	n := math.Hypot(nc, ns)
	if n == 0 || math.IsNaN(n) {
		out[0], out[1] = 1, 0
		return
	}
	out[0], out[1] = nc/n, ns/n
}
