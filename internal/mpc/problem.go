package mpc

import (
	"github.com/kullken/Pet-Mk-IV/internal/geometry"
	"github.com/kullken/Pet-Mk-IV/internal/nlsq"
	"github.com/kullken/Pet-Mk-IV/internal/residuals"
)

// poseVars are the two parameter blocks of a pose.
type poseVars struct {
	rotation nlsq.VarID // (cos, sin) on the unit circle
	position nlsq.VarID // (x, y)
}

// builder is one Solve's least-squares problem and the handles needed to
// read it back.
type builder struct {
	problem *nlsq.Problem
	penalty float64 // read by the kinematic residuals through a pointer

	poses       []poseVars
	twists      []nlsq.VarID
	constraints []nlsq.ResidualID
}

func (m *Mpc) build(path []geometry.Pose2D, twists []geometry.Twist) *builder {
	b := &builder{
		problem: nlsq.NewProblem(),
		penalty: 1,
	}
	p := b.problem
	lower, upper := m.model.Bounds()
	refWeight := nlsq.Weight(m.opts.ReferenceLossFactor)
	velWeight := nlsq.Weight(m.opts.VelocityLossFactor)
	dt := m.opts.TimeStep.Seconds()

	for i := 0; i < m.size; i++ {
		var opts []nlsq.VariableOption
		if i == 0 {
			opts = append(opts, nlsq.Constant())
		}
		b.poses = append(b.poses, addPose(p, path[i], opts...))

		twistOpts := append([]nlsq.VariableOption{nlsq.WithBounds(lower, upper)}, opts...)
		b.twists = append(b.twists, p.AddVariable(twistValues(twists[i]), twistOpts...))
	}

	// Stage 0 has a constant tracking error and no previous twist, so
	// residuals start at stage 1.
	for i := 1; i < m.size; i++ {
		ref := addPose(p, m.reference[i], nlsq.Constant())
		cur, prev := b.poses[i], b.poses[i-1]

		p.AddResidual("reference_path", residuals.ReferencePathSize, func(params [][]float64, out []float64) {
			r := residuals.ReferencePath(poseFrom(params[0], params[1]), poseFrom(params[2], params[3]))
			copy(out, r[:])
		}, refWeight, ref.rotation, ref.position, cur.rotation, cur.position)

		p.AddResidual("velocity_change", residuals.VelocityChangeSize, func(params [][]float64, out []float64) {
			r := residuals.VelocityChange(twistFrom(params[0]), twistFrom(params[1]))
			copy(out, r[:])
		}, velWeight, b.twists[i], b.twists[i-1])

		id := p.AddResidual("kinematic_constraint", residuals.KinematicConstraintSize, func(params [][]float64, out []float64) {
			r := residuals.KinematicConstraint(
				poseFrom(params[0], params[1]),
				poseFrom(params[2], params[3]),
				twistFrom(params[4]),
				dt,
			)
			copy(out, r[:])
		}, &b.penalty, cur.rotation, cur.position, prev.rotation, prev.position, b.twists[i-1])
		b.constraints = append(b.constraints, id)
	}
	return b
}

// maxConstraintCost returns the worst unweighted cost over the kinematic
// residuals, so feasibility does not depend on the current penalty.
func (b *builder) maxConstraintCost() float64 {
	var worst float64
	for _, id := range b.constraints {
		if c := residuals.Cost(b.problem.Residual(id), 1); c > worst {
			worst = c
		}
	}
	return worst
}

func (b *builder) read() ([]geometry.Pose2D, []geometry.Twist) {
	path := make([]geometry.Pose2D, len(b.poses))
	twists := make([]geometry.Twist, len(b.twists))
	for i, pv := range b.poses {
		path[i] = poseFrom(b.problem.Values(pv.rotation), b.problem.Values(pv.position))
		twists[i] = twistFrom(b.problem.Values(b.twists[i]))
	}
	return path, twists
}

func addPose(p *nlsq.Problem, pose geometry.Pose2D, opts ...nlsq.VariableOption) poseVars {
	rotOpts := append([]nlsq.VariableOption{nlsq.WithManifold(nlsq.Rotation2D())}, opts...)
	return poseVars{
		rotation: p.AddVariable([]float64{pose.Rotation.Cos(), pose.Rotation.Sin()}, rotOpts...),
		position: p.AddVariable([]float64{pose.Position.X, pose.Position.Y}, opts...),
	}
}

func poseFrom(rotation, position []float64) geometry.Pose2D {
	return geometry.Pose2D{
		Position: geometry.Vec2{X: position[0], Y: position[1]},
		Rotation: geometry.NewRotation(rotation[0], rotation[1]),
	}
}

func twistValues(t geometry.Twist) []float64 { return []float64{t.Angular, t.Linear} }

func twistFrom(v []float64) geometry.Twist { return geometry.Twist{Angular: v[0], Linear: v[1]} }
