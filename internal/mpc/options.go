package mpc

import (
	"fmt"
	"math"
	"time"

	"github.com/kullken/Pet-Mk-IV/internal/config"
)

// Options configures the receding-horizon problem.
type Options struct {
	TimeHorizon time.Duration
	TimeStep    time.Duration

	ReferenceLossFactor float64 // weight of the reference tracking residuals
	VelocityLossFactor  float64 // weight of the twist smoothness residuals

	MaxPenaltyIterations  int
	PenaltyIncreaseFactor float64
	MaxConstraintCost     float64 // per-stage kinematic residual cost counted as feasible

	MaxSolverIterations int // per penalty iteration
}

// DefaultOptions returns the options built from the default tuning.
func DefaultOptions() Options {
	return OptionsFromTuning(config.EmptyTuningConfig())
}

// OptionsFromTuning converts the controller keys of a TuningConfig.
func OptionsFromTuning(cfg *config.TuningConfig) Options {
	return Options{
		TimeHorizon:           cfg.GetTimeHorizon(),
		TimeStep:              cfg.GetTimeStep(),
		ReferenceLossFactor:   cfg.GetReferenceLossFactor(),
		VelocityLossFactor:    cfg.GetVelocityLossFactor(),
		MaxPenaltyIterations:  cfg.GetMaxPenaltyIterations(),
		PenaltyIncreaseFactor: cfg.GetPenaltyIncreaseFactor(),
		MaxConstraintCost:     cfg.GetMaxConstraintCost(),
		MaxSolverIterations:   cfg.GetMaxSolverIterations(),
	}
}

// Validate checks the options for a well-formed problem.
func (o Options) Validate() error {
	if o.TimeStep <= 0 {
		return fmt.Errorf("time step must be positive, got %s", o.TimeStep)
	}
	if o.TimeHorizon < o.TimeStep {
		return fmt.Errorf("time horizon %s must cover at least one time step %s", o.TimeHorizon, o.TimeStep)
	}
	if !(o.ReferenceLossFactor >= 0) || !(o.VelocityLossFactor >= 0) ||
		math.IsInf(o.ReferenceLossFactor, 0) || math.IsInf(o.VelocityLossFactor, 0) {
		return fmt.Errorf("loss factors must be non-negative and finite, got %v and %v", o.ReferenceLossFactor, o.VelocityLossFactor)
	}
	if o.MaxPenaltyIterations < 1 {
		return fmt.Errorf("max penalty iterations must be at least 1, got %d", o.MaxPenaltyIterations)
	}
	if !(o.PenaltyIncreaseFactor > 1) || math.IsInf(o.PenaltyIncreaseFactor, 0) {
		return fmt.Errorf("penalty increase factor must be greater than 1, got %v", o.PenaltyIncreaseFactor)
	}
	if !(o.MaxConstraintCost >= 0) {
		return fmt.Errorf("max constraint cost must be non-negative, got %v", o.MaxConstraintCost)
	}
	if o.MaxSolverIterations < 1 {
		return fmt.Errorf("max solver iterations must be at least 1, got %d", o.MaxSolverIterations)
	}
	return nil
}

// ProblemSize is the number of stages, ceil(horizon / step).
func (o Options) ProblemSize() int {
	if o.TimeStep <= 0 {
		return 0
	}
	return int((o.TimeHorizon + o.TimeStep - 1) / o.TimeStep)
}
