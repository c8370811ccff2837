// Package nlsq is a small bounded nonlinear least-squares toolkit: a
// Problem of parameter blocks and weighted residual blocks, and a
// Levenberg-Marquardt solver that minimises
//
//	sum_k 0.5 * w_k * |r_k(x)|^2
//
// over the free blocks. Blocks may live on a manifold (the unit circle for
// rotations) and may carry box bounds. Residual weights are read through
// pointers at solve time so callers can rescale a term between solves
// without rebuilding the problem.
package nlsq

import (
	"fmt"
	"math"
)

// VarID identifies a parameter block in a Problem.
type VarID int

// ResidualID identifies a residual block in a Problem.
type ResidualID int

// ResidualFunc evaluates a residual block. params holds the current value
// of each operand block in the order passed to AddResidual; out has the
// block's size and must be fully written.
type ResidualFunc func(params [][]float64, out []float64)

type variable struct {
	values   []float64
	manifold Manifold
	lower    []float64
	upper    []float64
	constant bool
}

type residual struct {
	name   string
	size   int
	fn     ResidualFunc
	weight *float64
	vars   []VarID
	args   [][]float64 // scratch operand slice
}

// VariableOption configures a parameter block.
type VariableOption func(*variable)

// WithManifold sets the block's manifold. The default is Euclidean.
func WithManifold(m Manifold) VariableOption {
	return func(v *variable) { v.manifold = m }
}

// WithBounds constrains each coordinate of a Euclidean block to
// [lower[i], upper[i]].
func WithBounds(lower, upper []float64) VariableOption {
	return func(v *variable) {
		v.lower = append([]float64(nil), lower...)
		v.upper = append([]float64(nil), upper...)
	}
}

// Constant marks the block as held fixed by the solver.
func Constant() VariableOption {
	return func(v *variable) { v.constant = true }
}

// Weight returns a pointer to a fixed weight, for residuals whose weight
// never changes.
func Weight(w float64) *float64 { return &w }

// Problem is a set of parameter blocks and residual blocks. It is not safe
// for concurrent use.
type Problem struct {
	vars      []variable
	residuals []residual
	size      int // total residual dimension
}

// NewProblem returns an empty problem.
func NewProblem() *Problem { return &Problem{} }

// AddVariable adds a parameter block with the given initial value. It
// panics if the options are inconsistent with the value's size, which is
// a programming error.
func (p *Problem) AddVariable(initial []float64, opts ...VariableOption) VarID {
	v := variable{values: append([]float64(nil), initial...)}
	for _, opt := range opts {
		opt(&v)
	}
	if v.manifold == nil {
		v.manifold = Euclidean(len(initial))
	}
	if v.manifold.AmbientSize() != len(initial) {
		panic(fmt.Sprintf("nlsq: variable of size %d on manifold of ambient size %d", len(initial), v.manifold.AmbientSize()))
	}
	if v.lower != nil && (len(v.lower) != len(initial) || len(v.upper) != len(initial)) {
		panic(fmt.Sprintf("nlsq: bounds of size %d/%d for variable of size %d", len(v.lower), len(v.upper), len(initial)))
	}
	p.vars = append(p.vars, v)
	return VarID(len(p.vars) - 1)
}

// AddResidual adds a residual block of the given size over vars. The
// weight pointer is dereferenced on every evaluation.
func (p *Problem) AddResidual(name string, size int, fn ResidualFunc, weight *float64, vars ...VarID) ResidualID {
	if size <= 0 {
		panic(fmt.Sprintf("nlsq: residual %q has size %d", name, size))
	}
	for _, id := range vars {
		p.mustVar(id)
	}
	if weight == nil {
		weight = Weight(1)
	}
	p.residuals = append(p.residuals, residual{
		name:   name,
		size:   size,
		fn:     fn,
		weight: weight,
		vars:   append([]VarID(nil), vars...),
		args:   make([][]float64, len(vars)),
	})
	p.size += size
	return ResidualID(len(p.residuals) - 1)
}

// SetConstant fixes or frees a parameter block.
func (p *Problem) SetConstant(id VarID, constant bool) {
	p.mustVar(id)
	p.vars[id].constant = constant
}

// IsConstant reports whether a block is held fixed.
func (p *Problem) IsConstant(id VarID) bool { return p.vars[id].constant }

// SetValues overwrites a block's value.
func (p *Problem) SetValues(id VarID, values []float64) {
	p.mustVar(id)
	if len(values) != len(p.vars[id].values) {
		panic(fmt.Sprintf("nlsq: SetValues with %d values for variable of size %d", len(values), len(p.vars[id].values)))
	}
	copy(p.vars[id].values, values)
}

// Values returns a copy of a block's current value.
func (p *Problem) Values(id VarID) []float64 {
	p.mustVar(id)
	return append([]float64(nil), p.vars[id].values...)
}

// NumVariables returns the number of parameter blocks.
func (p *Problem) NumVariables() int { return len(p.vars) }

// NumResiduals returns the number of residual blocks.
func (p *Problem) NumResiduals() int { return len(p.residuals) }

// ResidualName returns the name given to AddResidual.
func (p *Problem) ResidualName(id ResidualID) string { return p.residuals[id].name }

// Residual evaluates one block at the current values, unweighted.
func (p *Problem) Residual(id ResidualID) []float64 {
	r := &p.residuals[id]
	out := make([]float64, r.size)
	r.eval(p.current(), out)
	return out
}

// ResidualCost returns 0.5 * w * |r|^2 for one block at the current values.
func (p *Problem) ResidualCost(id ResidualID) float64 {
	r := p.Residual(id)
	var sum float64
	for _, v := range r {
		sum += v * v
	}
	return 0.5 * *p.residuals[id].weight * sum
}

// Cost returns the total cost at the current values.
func (p *Problem) Cost() float64 {
	out := make([]float64, p.size)
	return p.evaluate(p.current(), out)
}

func (p *Problem) mustVar(id VarID) {
	if id < 0 || int(id) >= len(p.vars) {
		panic(fmt.Sprintf("nlsq: unknown variable %d", id))
	}
}

func (p *Problem) current() [][]float64 {
	vals := make([][]float64, len(p.vars))
	for i := range p.vars {
		vals[i] = p.vars[i].values
	}
	return vals
}

func (r *residual) eval(values [][]float64, out []float64) {
	for i, id := range r.vars {
		r.args[i] = values[id]
	}
	r.fn(r.args, out)
}

// evaluate writes the weighted residual vector sqrt(w)*r of every block
// into out and returns the total cost. A negative weight yields NaN.
func (p *Problem) evaluate(values [][]float64, out []float64) float64 {
	var cost float64
	off := 0
	for i := range p.residuals {
		r := &p.residuals[i]
		seg := out[off : off+r.size]
		r.eval(values, seg)
		scale := math.Sqrt(*r.weight)
		for j := range seg {
			seg[j] *= scale
			cost += 0.5 * seg[j] * seg[j]
		}
		off += r.size
	}
	return cost
}

func (v *variable) project(x []float64) {
	if v.lower == nil {
		return
	}
	for i := range x {
		x[i] = math.Max(v.lower[i], math.Min(v.upper[i], x[i]))
	}
}
