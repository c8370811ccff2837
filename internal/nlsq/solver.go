package nlsq

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// ErrNumericFailure is returned when the solver cannot produce a finite
// iterate.
var ErrNumericFailure = errors.New("numeric failure")

// Termination says why a solve stopped.
type Termination int

const (
	// Converged: a cost, gradient or step tolerance was met.
	Converged Termination = iota
	// MaxIterations: the iteration budget ran out.
	MaxIterations
	// Stalled: no step reduced the cost even at maximum damping.
	Stalled
	// NothingToSolve: every block is constant or there are no residuals.
	NothingToSolve
)

func (t Termination) String() string {
	switch t {
	case Converged:
		return "converged"
	case MaxIterations:
		return "max_iterations"
	case Stalled:
		return "stalled"
	case NothingToSolve:
		return "nothing_to_solve"
	default:
		return fmt.Sprintf("Termination(%d)", int(t))
	}
}

// Summary reports one solve.
type Summary struct {
	Iterations  int
	InitialCost float64
	FinalCost   float64
	Termination Termination
}

// Solver minimises a Problem in place.
type Solver interface {
	Solve(ctx context.Context, p *Problem) (Summary, error)
}

// LevenbergMarquardt is a damped Gauss-Newton solver over the tangent
// space of the free blocks. Jacobians are taken by central differences and
// bounds are enforced by projecting each accepted step.
type LevenbergMarquardt struct {
	MaxIterations     int
	FunctionTolerance float64 // relative cost decrease below which the solve converges
	GradientTolerance float64 // max-norm of the gradient below which the solve converges
	InitialDamping    float64
}

// NewLevenbergMarquardt returns a solver with the given iteration budget
// and default tolerances.
func NewLevenbergMarquardt(maxIterations int) *LevenbergMarquardt {
	return &LevenbergMarquardt{
		MaxIterations:     maxIterations,
		FunctionTolerance: 1e-10,
		GradientTolerance: 1e-12,
		InitialDamping:    1e-4,
	}
}

const (
	maxDamping = 1e16
	minDamping = 1e-12
	minDiag    = 1e-9
	tinyCost   = 1e-20
)

type block struct {
	id      VarID
	offset  int // into the tangent vector
	tangent int
}

// Solve runs Levenberg-Marquardt and writes the best iterate back into p.
// On ErrNumericFailure the problem's values are left as they were.
func (s *LevenbergMarquardt) Solve(ctx context.Context, p *Problem) (Summary, error) {
	var free []block
	n := 0
	for i, v := range p.vars {
		if v.constant {
			continue
		}
		t := v.manifold.TangentSize()
		free = append(free, block{id: VarID(i), offset: n, tangent: t})
		n += t
	}
	m := p.size

	for i := range p.residuals {
		if w := *p.residuals[i].weight; !(w >= 0) || math.IsInf(w, 0) {
			return Summary{}, fmt.Errorf("%w: residual %q has weight %v", ErrNumericFailure, p.residuals[i].name, w)
		}
	}

	cur := cloneValues(p)
	for _, b := range free {
		p.vars[b.id].project(cur[b.id])
	}
	r := make([]float64, m)
	cost := p.evaluate(cur, r)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return Summary{InitialCost: cost}, fmt.Errorf("%w: initial cost %v", ErrNumericFailure, cost)
	}
	summary := Summary{InitialCost: cost, FinalCost: cost}
	if n == 0 || m == 0 {
		summary.Termination = NothingToSolve
		writeBack(p, cur)
		return summary, nil
	}

	// Scratch: values at a trial tangent point, and the candidate iterate.
	trial := cloneValues(p)
	cand := cloneValues(p)
	retract := func(dst [][]float64, delta []float64) {
		for _, b := range free {
			v := &p.vars[b.id]
			v.manifold.Plus(cur[b.id], delta[b.offset:b.offset+b.tangent], dst[b.id])
		}
	}
	f := func(y, delta []float64) {
		retract(trial, delta)
		p.evaluate(trial, y)
	}

	J := mat.NewDense(m, n, nil)
	origin := make([]float64, n)
	settings := &fd.JacobianSettings{Formula: fd.Central}
	var (
		H    mat.SymDense
		A    = mat.NewSymDense(n, nil)
		g    mat.VecDense
		step mat.VecDense
		chol mat.Cholesky
	)
	rCand := make([]float64, m)
	delta := make([]float64, n)
	lambda := s.InitialDamping
	summary.Termination = MaxIterations

	for summary.Iterations < s.MaxIterations {
		if err := ctx.Err(); err != nil {
			writeBack(p, cur)
			summary.FinalCost = cost
			return summary, err
		}
		if cost < tinyCost {
			summary.Termination = Converged
			break
		}

		fd.Jacobian(J, f, origin, settings)
		if !allFinite(J.RawMatrix().Data) {
			if summary.Iterations == 0 {
				return summary, fmt.Errorf("%w: non-finite jacobian", ErrNumericFailure)
			}
			summary.Termination = Stalled
			break
		}
		H.SymOuterK(1, J.T())
		g.MulVec(J.T(), mat.NewVecDense(m, r))
		if mat.Norm(&g, math.Inf(1)) < s.GradientTolerance {
			summary.Termination = Converged
			break
		}

		accepted := false
		for !accepted {
			summary.Iterations++
			A.CopySym(&H)
			for i := 0; i < n; i++ {
				A.SetSym(i, i, H.At(i, i)+lambda*math.Max(H.At(i, i), minDiag))
			}
			if ok := chol.Factorize(A); !ok {
				lambda *= 10
			} else if err := chol.SolveVecTo(&step, &g); err != nil {
				lambda *= 10
			} else {
				for i := range delta {
					delta[i] = -step.AtVec(i)
				}
				retract(cand, delta)
				for _, b := range free {
					p.vars[b.id].project(cand[b.id])
				}
				newCost := p.evaluate(cand, rCand)
				finite := !math.IsNaN(newCost) && !math.IsInf(newCost, 0)
				if finite && newCost < cost {
					decrease := cost - newCost
					copyValues(cur, cand, free)
					copy(r, rCand)
					cost = newCost
					lambda = math.Max(lambda/3, minDamping)
					accepted = true
					if decrease <= s.FunctionTolerance*cost {
						summary.Termination = Converged
					}
				} else if finite && newCost-cost <= s.FunctionTolerance*cost {
					// No measurable change: already at a (possibly bound-constrained) minimum.
					summary.Termination = Converged
				} else {
					lambda *= 4
				}
			}
			if summary.Termination == Converged {
				break
			}
			if !accepted && (lambda > maxDamping || summary.Iterations >= s.MaxIterations) {
				break
			}
		}
		if summary.Termination == Converged {
			break
		}
		if !accepted {
			if lambda > maxDamping {
				summary.Termination = Stalled
			}
			break
		}
	}

	writeBack(p, cur)
	summary.FinalCost = cost
	return summary, nil
}

func cloneValues(p *Problem) [][]float64 {
	out := make([][]float64, len(p.vars))
	for i := range p.vars {
		out[i] = append([]float64(nil), p.vars[i].values...)
	}
	return out
}

func copyValues(dst, src [][]float64, free []block) {
	for _, b := range free {
		copy(dst[b.id], src[b.id])
	}
}

func writeBack(p *Problem, values [][]float64) {
	for i := range p.vars {
		copy(p.vars[i].values, values[i])
	}
}

func allFinite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
