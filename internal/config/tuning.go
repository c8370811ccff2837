package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/autonomy.defaults.json"

// TuningConfig represents the root configuration for the estimator and the
// receding-horizon controller. Every field is optional; the Get* accessors
// supply the defaults for omitted keys so partial files are safe.
type TuningConfig struct {
	// Controller (Mpc) params
	TimeHorizon           *string  `json:"time_horizon,omitempty"` // duration string like "2s"
	TimeStep              *string  `json:"time_step,omitempty"`    // duration string like "200ms"
	ReferenceLossFactor   *float64 `json:"reference_loss_factor,omitempty"`
	VelocityLossFactor    *float64 `json:"velocity_loss_factor,omitempty"`
	MaxPenaltyIterations  *int     `json:"max_penalty_iterations,omitempty"`
	PenaltyIncreaseFactor *float64 `json:"penalty_increase_factor,omitempty"`
	MaxConstraintCost     *float64 `json:"max_constraint_cost,omitempty"`
	MaxSolverIterations   *int     `json:"max_solver_iterations,omitempty"`

	// Kinematic model
	MaxAngularSpeed *float64 `json:"max_angular_speed,omitempty"` // rad/s
	MaxLinearSpeed  *float64 `json:"max_linear_speed,omitempty"`  // m/s

	// Measurement queue
	MinLatency *string `json:"min_latency,omitempty"` // dwell before fusion, e.g. "50ms"
	MaxLatency *string `json:"max_latency,omitempty"` // staleness ceiling, e.g. "500ms"

	// Estimator params
	MaxInertialGap          *string  `json:"max_inertial_gap,omitempty"`
	MaxRangingGap           *string  `json:"max_ranging_gap,omitempty"`
	ProcessNoisePosition    *float64 `json:"process_noise_position,omitempty"` // m²/s
	ProcessNoiseHeading     *float64 `json:"process_noise_heading,omitempty"`  // rad²/s
	ProcessNoiseAngular     *float64 `json:"process_noise_angular,omitempty"`  // (rad/s)²/s
	ProcessNoiseLinear      *float64 `json:"process_noise_linear,omitempty"`   // (m/s)²/s
	InertialVariance        *float64 `json:"inertial_variance,omitempty"`      // (rad/s)²
	RangingVelocityVariance *float64 `json:"ranging_velocity_variance,omitempty"`
	InitialRateVariance     *float64 `json:"initial_rate_variance,omitempty"`

	// Scheduling and frames
	EstimatorPeriod *string `json:"estimator_period,omitempty"`
	ControlPeriod   *string `json:"control_period,omitempty"`
	MapFrame        *string `json:"map_frame,omitempty"`
	BaseFrame       *string `json:"base_frame,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated from
// the built-in defaults.
func DefaultTuningConfig() *TuningConfig {
	e := EmptyTuningConfig()
	return &TuningConfig{
		TimeHorizon:             ptrString(e.GetTimeHorizon().String()),
		TimeStep:                ptrString(e.GetTimeStep().String()),
		ReferenceLossFactor:     ptrFloat64(e.GetReferenceLossFactor()),
		VelocityLossFactor:      ptrFloat64(e.GetVelocityLossFactor()),
		MaxPenaltyIterations:    ptrInt(e.GetMaxPenaltyIterations()),
		PenaltyIncreaseFactor:   ptrFloat64(e.GetPenaltyIncreaseFactor()),
		MaxConstraintCost:       ptrFloat64(e.GetMaxConstraintCost()),
		MaxSolverIterations:     ptrInt(e.GetMaxSolverIterations()),
		MaxAngularSpeed:         ptrFloat64(e.GetMaxAngularSpeed()),
		MaxLinearSpeed:          ptrFloat64(e.GetMaxLinearSpeed()),
		MinLatency:              ptrString(e.GetMinLatency().String()),
		MaxLatency:              ptrString(e.GetMaxLatency().String()),
		MaxInertialGap:          ptrString(e.GetMaxInertialGap().String()),
		MaxRangingGap:           ptrString(e.GetMaxRangingGap().String()),
		ProcessNoisePosition:    ptrFloat64(e.GetProcessNoisePosition()),
		ProcessNoiseHeading:     ptrFloat64(e.GetProcessNoiseHeading()),
		ProcessNoiseAngular:     ptrFloat64(e.GetProcessNoiseAngular()),
		ProcessNoiseLinear:      ptrFloat64(e.GetProcessNoiseLinear()),
		InertialVariance:        ptrFloat64(e.GetInertialVariance()),
		RangingVelocityVariance: ptrFloat64(e.GetRangingVelocityVariance()),
		InitialRateVariance:     ptrFloat64(e.GetInitialRateVariance()),
		EstimatorPeriod:         ptrString(e.GetEstimatorPeriod().String()),
		ControlPeriod:           ptrString(e.GetControlPeriod().String()),
		MapFrame:                ptrString(e.GetMapFrame()),
		BaseFrame:               ptrString(e.GetBaseFrame()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,       // from cmd/<binary>/
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	durations := []struct {
		name string
		val  *string
	}{
		{"time_horizon", c.TimeHorizon},
		{"time_step", c.TimeStep},
		{"min_latency", c.MinLatency},
		{"max_latency", c.MaxLatency},
		{"max_inertial_gap", c.MaxInertialGap},
		{"max_ranging_gap", c.MaxRangingGap},
		{"estimator_period", c.EstimatorPeriod},
		{"control_period", c.ControlPeriod},
	}
	for _, d := range durations {
		if d.val == nil || *d.val == "" {
			continue
		}
		v, err := time.ParseDuration(*d.val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.val, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, v)
		}
	}

	if c.TimeStep != nil && c.GetTimeStep() <= 0 {
		return fmt.Errorf("time_step must be positive, got %s", *c.TimeStep)
	}
	if c.GetTimeHorizon() < c.GetTimeStep() {
		return fmt.Errorf("time_horizon (%s) must be at least one time_step (%s)", c.GetTimeHorizon(), c.GetTimeStep())
	}
	if c.GetMaxLatency() < c.GetMinLatency() {
		return fmt.Errorf("max_latency (%s) must not be below min_latency (%s)", c.GetMaxLatency(), c.GetMinLatency())
	}

	positives := []struct {
		name string
		val  *float64
	}{
		{"max_angular_speed", c.MaxAngularSpeed},
		{"max_linear_speed", c.MaxLinearSpeed},
		{"inertial_variance", c.InertialVariance},
		{"ranging_velocity_variance", c.RangingVelocityVariance},
		{"initial_rate_variance", c.InitialRateVariance},
	}
	for _, p := range positives {
		if p.val != nil && !(*p.val > 0 && !math.IsInf(*p.val, 0)) {
			return fmt.Errorf("%s must be positive and finite, got %f", p.name, *p.val)
		}
	}

	nonNegatives := []struct {
		name string
		val  *float64
	}{
		{"reference_loss_factor", c.ReferenceLossFactor},
		{"velocity_loss_factor", c.VelocityLossFactor},
		{"max_constraint_cost", c.MaxConstraintCost},
		{"process_noise_position", c.ProcessNoisePosition},
		{"process_noise_heading", c.ProcessNoiseHeading},
		{"process_noise_angular", c.ProcessNoiseAngular},
		{"process_noise_linear", c.ProcessNoiseLinear},
	}
	for _, p := range nonNegatives {
		if p.val != nil && (*p.val < 0 || math.IsNaN(*p.val) || math.IsInf(*p.val, 0)) {
			return fmt.Errorf("%s must be non-negative, got %f", p.name, *p.val)
		}
	}

	if c.PenaltyIncreaseFactor != nil && !(*c.PenaltyIncreaseFactor > 1) {
		return fmt.Errorf("penalty_increase_factor must be greater than 1, got %f", *c.PenaltyIncreaseFactor)
	}
	if c.MaxPenaltyIterations != nil && *c.MaxPenaltyIterations < 1 {
		return fmt.Errorf("max_penalty_iterations must be at least 1, got %d", *c.MaxPenaltyIterations)
	}
	if c.MaxSolverIterations != nil && *c.MaxSolverIterations < 1 {
		return fmt.Errorf("max_solver_iterations must be at least 1, got %d", *c.MaxSolverIterations)
	}

	return nil
}

// durationOr parses s, falling back to def when unset or unparsable.
func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetTimeHorizon returns the optimizer horizon length.
func (c *TuningConfig) GetTimeHorizon() time.Duration {
	return durationOr(c.TimeHorizon, 2*time.Second)
}

// GetTimeStep returns the optimizer stage spacing.
func (c *TuningConfig) GetTimeStep() time.Duration {
	return durationOr(c.TimeStep, 200*time.Millisecond)
}

// GetReferenceLossFactor returns the reference_loss_factor value or the default.
func (c *TuningConfig) GetReferenceLossFactor() float64 {
	if c.ReferenceLossFactor == nil {
		return 1.0
	}
	return *c.ReferenceLossFactor
}

// GetVelocityLossFactor returns the velocity_loss_factor value or the default.
func (c *TuningConfig) GetVelocityLossFactor() float64 {
	if c.VelocityLossFactor == nil {
		return 0.1
	}
	return *c.VelocityLossFactor
}

// GetMaxPenaltyIterations returns the max_penalty_iterations value or the default.
func (c *TuningConfig) GetMaxPenaltyIterations() int {
	if c.MaxPenaltyIterations == nil {
		return 8
	}
	return *c.MaxPenaltyIterations
}

// GetPenaltyIncreaseFactor returns the penalty_increase_factor value or the default.
func (c *TuningConfig) GetPenaltyIncreaseFactor() float64 {
	if c.PenaltyIncreaseFactor == nil {
		return 10.0
	}
	return *c.PenaltyIncreaseFactor
}

// GetMaxConstraintCost returns the max_constraint_cost value or the default.
func (c *TuningConfig) GetMaxConstraintCost() float64 {
	if c.MaxConstraintCost == nil {
		return 1e-6
	}
	return *c.MaxConstraintCost
}

// GetMaxSolverIterations returns the per-solve iteration cap of the
// least-squares solver.
func (c *TuningConfig) GetMaxSolverIterations() int {
	if c.MaxSolverIterations == nil {
		return 50
	}
	return *c.MaxSolverIterations
}

// GetMaxAngularSpeed returns the max_angular_speed value or the default.
func (c *TuningConfig) GetMaxAngularSpeed() float64 {
	if c.MaxAngularSpeed == nil {
		return 2.0
	}
	return *c.MaxAngularSpeed
}

// GetMaxLinearSpeed returns the max_linear_speed value or the default.
func (c *TuningConfig) GetMaxLinearSpeed() float64 {
	if c.MaxLinearSpeed == nil {
		return 0.5
	}
	return *c.MaxLinearSpeed
}

// GetMinLatency returns the minimum queue dwell time.
func (c *TuningConfig) GetMinLatency() time.Duration {
	return durationOr(c.MinLatency, 50*time.Millisecond)
}

// GetMaxLatency returns the queue staleness ceiling.
func (c *TuningConfig) GetMaxLatency() time.Duration {
	return durationOr(c.MaxLatency, 500*time.Millisecond)
}

// GetMaxInertialGap returns the largest inertial sample gap before the
// angular-rate confidence is reset.
func (c *TuningConfig) GetMaxInertialGap() time.Duration {
	return durationOr(c.MaxInertialGap, 100*time.Millisecond)
}

// GetMaxRangingGap returns the largest ranging sample gap that still
// yields a velocity observation.
func (c *TuningConfig) GetMaxRangingGap() time.Duration {
	return durationOr(c.MaxRangingGap, 250*time.Millisecond)
}

// GetProcessNoisePosition returns the process_noise_position value or the default.
func (c *TuningConfig) GetProcessNoisePosition() float64 {
	if c.ProcessNoisePosition == nil {
		return 0.01
	}
	return *c.ProcessNoisePosition
}

// GetProcessNoiseHeading returns the process_noise_heading value or the default.
func (c *TuningConfig) GetProcessNoiseHeading() float64 {
	if c.ProcessNoiseHeading == nil {
		return 0.01
	}
	return *c.ProcessNoiseHeading
}

// GetProcessNoiseAngular returns the process_noise_angular value or the default.
func (c *TuningConfig) GetProcessNoiseAngular() float64 {
	if c.ProcessNoiseAngular == nil {
		return 0.5
	}
	return *c.ProcessNoiseAngular
}

// GetProcessNoiseLinear returns the process_noise_linear value or the default.
func (c *TuningConfig) GetProcessNoiseLinear() float64 {
	if c.ProcessNoiseLinear == nil {
		return 0.2
	}
	return *c.ProcessNoiseLinear
}

// GetInertialVariance returns the inertial_variance value or the default.
func (c *TuningConfig) GetInertialVariance() float64 {
	if c.InertialVariance == nil {
		return 0.01
	}
	return *c.InertialVariance
}

// GetRangingVelocityVariance returns the ranging_velocity_variance value or the default.
func (c *TuningConfig) GetRangingVelocityVariance() float64 {
	if c.RangingVelocityVariance == nil {
		return 0.05
	}
	return *c.RangingVelocityVariance
}

// GetInitialRateVariance returns the initial_rate_variance value or the default.
func (c *TuningConfig) GetInitialRateVariance() float64 {
	if c.InitialRateVariance == nil {
		return 1.0
	}
	return *c.InitialRateVariance
}

// GetEstimatorPeriod returns the localisation task period.
func (c *TuningConfig) GetEstimatorPeriod() time.Duration {
	return durationOr(c.EstimatorPeriod, 20*time.Millisecond)
}

// GetControlPeriod returns the control task period.
func (c *TuningConfig) GetControlPeriod() time.Duration {
	return durationOr(c.ControlPeriod, 200*time.Millisecond)
}

// GetMapFrame returns the fixed world frame id.
func (c *TuningConfig) GetMapFrame() string {
	if c.MapFrame == nil || *c.MapFrame == "" {
		return "map"
	}
	return *c.MapFrame
}

// GetBaseFrame returns the vehicle frame id.
func (c *TuningConfig) GetBaseFrame() string {
	if c.BaseFrame == nil || *c.BaseFrame == "" {
		return "base_link"
	}
	return *c.BaseFrame
}
