// Package estimator fuses inertial and ranging measurements into a
// pose/twist estimate of the robot with an extended Kalman filter.
//
// The state vector is (x, y, heading, angular rate, linear rate). Pose is
// propagated with the differential-drive kinematic model; the gyro observes
// the angular rate directly and consecutive samples of each ranging sensor
// observe the linear rate through the change in measured distance.
//
// An Estimator has a single owner. Predict and Correct must not be called
// concurrently.
package estimator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/kullken/Pet-Mk-IV/internal/config"
	"github.com/kullken/Pet-Mk-IV/internal/geometry"
	"github.com/kullken/Pet-Mk-IV/internal/kinematics"
	"github.com/kullken/Pet-Mk-IV/internal/measurement"
	"github.com/kullken/Pet-Mk-IV/internal/monitoring"
)

// ErrMalformedMeasurement is returned by Correct for samples carrying
// non-finite or implausible values. The estimator state is left unchanged.
var ErrMalformedMeasurement = errors.New("malformed measurement")

// ErrImplausibleRanging is returned by Correct for a ranging sample whose
// change from the same sensor's previous sample implies a speed beyond
// Config.MaxRangingSpeed. The filter state is left unchanged but the sample
// becomes the sensor's new reference distance.
var ErrImplausibleRanging = errors.New("implausible ranging jump")

var logf = monitoring.Tagged("Estimator")

// Indices into the state vector and covariance.
const (
	IdxX = iota
	IdxY
	IdxHeading
	IdxAngular
	IdxLinear

	StateSize
)

// Phase is the estimator lifecycle state.
type Phase int

const (
	// Uninitialized: no predict or correct has happened yet.
	Uninitialized Phase = iota
	// Initialized: the filter has a time origin but has not yet completed a
	// predict and correct cycle.
	Initialized
	// Running: steady predict/correct operation.
	Running
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Config holds the filter noise model and gap limits.
type Config struct {
	// Process noise densities, added to the covariance diagonal per second.
	PositionNoise float64 // m²/s
	HeadingNoise  float64 // rad²/s
	AngularNoise  float64 // (rad/s)²/s
	LinearNoise   float64 // (m/s)²/s

	InertialVariance        float64 // gyro rate variance, (rad/s)²
	RangingVelocityVariance float64 // variance of the ranging-derived velocity, (m/s)²
	InitialRateVariance     float64 // variance of both rates at start and after an inertial gap

	// MaxInertialGap is the longest expected spacing between gyro samples.
	// A longer gap resets the angular-rate confidence before the update.
	MaxInertialGap time.Duration
	// MaxRangingGap is the longest spacing between ranging samples for which
	// their difference is still used as a velocity observation.
	MaxRangingGap time.Duration
	// MaxRangingSpeed rejects ranging-derived velocities of larger magnitude.
	// Zero disables the check.
	MaxRangingSpeed float64
}

// DefaultConfig returns the configuration built from the default tuning.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning converts the estimator keys of a TuningConfig.
// The ranging speed bound is twice the model's max linear speed.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		PositionNoise:           cfg.GetProcessNoisePosition(),
		HeadingNoise:            cfg.GetProcessNoiseHeading(),
		AngularNoise:            cfg.GetProcessNoiseAngular(),
		LinearNoise:             cfg.GetProcessNoiseLinear(),
		InertialVariance:        cfg.GetInertialVariance(),
		RangingVelocityVariance: cfg.GetRangingVelocityVariance(),
		InitialRateVariance:     cfg.GetInitialRateVariance(),
		MaxInertialGap:          cfg.GetMaxInertialGap(),
		MaxRangingGap:           cfg.GetMaxRangingGap(),
		MaxRangingSpeed:         2 * cfg.GetMaxLinearSpeed(),
	}
}

// Validate checks that variances are positive and noise terms non-negative.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"inertial variance":         c.InertialVariance,
		"ranging velocity variance": c.RangingVelocityVariance,
		"initial rate variance":     c.InitialRateVariance,
	} {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be positive and finite, got %v", name, v)
		}
	}
	for name, v := range map[string]float64{
		"position noise":    c.PositionNoise,
		"heading noise":     c.HeadingNoise,
		"angular noise":     c.AngularNoise,
		"linear noise":      c.LinearNoise,
		"max ranging speed": c.MaxRangingSpeed,
	} {
		if !(v >= 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be non-negative and finite, got %v", name, v)
		}
	}
	if c.MaxInertialGap < 0 || c.MaxRangingGap < 0 {
		return fmt.Errorf("gap limits must be non-negative")
	}
	return nil
}

// Estimate is a snapshot of the filter state.
type Estimate struct {
	Stamp      time.Time
	Pose       geometry.Pose2D
	Twist      geometry.Twist
	Covariance *mat.SymDense // copy, safe to keep
	Phase      Phase
}

// Estimator is the Kalman filter. The zero value is not usable; call New.
type Estimator struct {
	cfg Config

	phase     Phase
	predicted bool
	corrected bool

	stamp time.Time
	pose  geometry.Pose2D
	twist geometry.Twist
	cov   *mat.SymDense

	lastInertial time.Time
	lastRanging  map[string]measurement.RangingSample // by sensor frame
}

// New returns an uninitialized estimator at the map origin.
func New(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Estimator{cfg: cfg}
	e.Reset()
	return e, nil
}

// Reset returns the estimator to the uninitialized state at the origin.
func (e *Estimator) Reset() {
	e.phase = Uninitialized
	e.predicted, e.corrected = false, false
	e.stamp = time.Time{}
	e.pose = geometry.IdentityPose()
	e.twist = geometry.Twist{}
	e.cov = mat.NewSymDense(StateSize, nil)
	e.cov.SetSym(IdxAngular, IdxAngular, e.cfg.InitialRateVariance)
	e.cov.SetSym(IdxLinear, IdxLinear, e.cfg.InitialRateVariance)
	e.lastInertial = time.Time{}
	e.lastRanging = make(map[string]measurement.RangingSample)
}

// Phase returns the lifecycle state.
func (e *Estimator) Phase() Phase { return e.phase }

// Stamp returns the time of the last predict or correct.
func (e *Estimator) Stamp() time.Time { return e.stamp }

// Pose returns the current pose estimate.
func (e *Estimator) Pose() geometry.Pose2D { return e.pose }

// Twist returns the current twist estimate.
func (e *Estimator) Twist() geometry.Twist { return e.twist }

// Estimate returns a snapshot of the filter.
func (e *Estimator) Estimate() Estimate {
	cov := mat.NewSymDense(StateSize, nil)
	cov.CopySym(e.cov)
	return Estimate{
		Stamp:      e.stamp,
		Pose:       e.pose,
		Twist:      e.twist,
		Covariance: cov,
		Phase:      e.phase,
	}
}

// Variance returns the diagonal covariance entry for state index i.
func (e *Estimator) Variance(i int) float64 { return e.cov.At(i, i) }

// Predict advances the state to now under the current twist. Predicting
// to a time at or before the last update is a no-op.
func (e *Estimator) Predict(now time.Time) {
	if e.phase == Uninitialized {
		e.initialize(now)
		e.markPredicted()
		return
	}
	dt := now.Sub(e.stamp).Seconds()
	if dt <= 0 {
		return
	}
	e.predict(dt)
	e.stamp = now
	e.markPredicted()
}

func (e *Estimator) predict(dt float64) {
	J := kinematics.Jacobian(e.pose, e.twist, dt)

	// F is identity for the rate rows; the kinematic Jacobian fills the pose rows.
	F := mat.NewDense(StateSize, StateSize, nil)
	for i := 0; i < StateSize; i++ {
		F.Set(i, i, 1)
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < StateSize; c++ {
			F.Set(r, c, J[r][c])
		}
	}

	// P' = F * P * F^T + Q * dt
	var FP, FPFt mat.Dense
	FP.Mul(F, e.cov)
	FPFt.Mul(&FP, F.T())

	q := [StateSize]float64{e.cfg.PositionNoise, e.cfg.PositionNoise, e.cfg.HeadingNoise, e.cfg.AngularNoise, e.cfg.LinearNoise}
	next := mat.NewSymDense(StateSize, nil)
	for i := 0; i < StateSize; i++ {
		for j := i; j < StateSize; j++ {
			v := 0.5 * (FPFt.At(i, j) + FPFt.At(j, i))
			if i == j {
				v += q[i] * dt
			}
			next.SetSym(i, j, v)
		}
	}

	e.pose = kinematics.Propagate(e.pose, e.twist, dt)
	e.cov = next
}

// Correct fuses one measurement. Measurements newer than the last update
// are first predicted to; older ones (bounded by the queue's max latency)
// are applied at the current time.
func (e *Estimator) Correct(m measurement.Measurement) error {
	if err := m.Validate(); err != nil {
		logf("rejecting %s sample: %v", m.Kind(), err)
		return fmt.Errorf("%w: %w", ErrMalformedMeasurement, err)
	}
	if r, ok := m.(measurement.RangingSample); ok {
		if err := e.checkRangingSpeed(r); err != nil {
			logf("rejecting ranging sample: %v", err)
			e.seedRanging(r)
			return err
		}
	}

	if e.phase == Uninitialized {
		e.initialize(m.Stamp())
	} else if m.Stamp().After(e.stamp) {
		e.predict(m.Stamp().Sub(e.stamp).Seconds())
		e.stamp = m.Stamp()
	}

	switch s := m.(type) {
	case measurement.InertialSample:
		e.correctInertial(s)
	case measurement.RangingSample:
		e.correctRanging(s)
	}
	e.markCorrected()
	return nil
}

func (e *Estimator) correctInertial(s measurement.InertialSample) {
	if !e.lastInertial.IsZero() {
		if gap := s.Time.Sub(e.lastInertial); gap > e.cfg.MaxInertialGap {
			logf("inertial gap %s exceeds %s, resetting angular rate confidence", gap, e.cfg.MaxInertialGap)
			e.resetVariance(IdxAngular)
		}
	}
	if s.Time.After(e.lastInertial) {
		e.lastInertial = s.Time
	}
	e.scalarUpdate(IdxAngular, s.AngularRate, e.cfg.InertialVariance)
}

func (e *Estimator) correctRanging(s measurement.RangingSample) {
	v, ok := e.rangingVelocity(s)
	if prev, have := e.lastRanging[s.FrameID]; !ok && have {
		if gap := s.Time.Sub(prev.Time); gap > e.cfg.MaxRangingGap {
			logf("%s gap %s exceeds %s, reseeding distance", s.FrameID, gap, e.cfg.MaxRangingGap)
		}
	}
	e.seedRanging(s)
	if !ok {
		return
	}
	e.scalarUpdate(IdxLinear, v, e.cfg.RangingVelocityVariance)
}

// seedRanging makes s the reference distance of its sensor unless that
// sensor already has a newer sample.
func (e *Estimator) seedRanging(s measurement.RangingSample) {
	if prev, have := e.lastRanging[s.FrameID]; have && !s.Time.After(prev.Time) {
		return
	}
	e.lastRanging[s.FrameID] = s
}

// rangingVelocity derives the forward speed from the previous sample of the
// same sensor. ok is false when s only seeds the reference distance.
func (e *Estimator) rangingVelocity(s measurement.RangingSample) (v float64, ok bool) {
	prev, have := e.lastRanging[s.FrameID]
	if !have {
		return 0, false
	}
	gap := s.Time.Sub(prev.Time)
	if gap <= 0 || gap > e.cfg.MaxRangingGap {
		return 0, false
	}
	// Closing on an obstacle ahead means driving forward.
	return (prev.Distance - s.Distance) / gap.Seconds(), true
}

func (e *Estimator) checkRangingSpeed(s measurement.RangingSample) error {
	if e.cfg.MaxRangingSpeed == 0 {
		return nil
	}
	v, ok := e.rangingVelocity(s)
	if ok && math.Abs(v) > e.cfg.MaxRangingSpeed {
		return fmt.Errorf("%w: %s velocity %.3f m/s exceeds %.3f m/s", ErrImplausibleRanging, s.FrameID, v, e.cfg.MaxRangingSpeed)
	}
	return nil
}

// scalarUpdate applies a Kalman update for a direct observation z of state
// component i with variance r.
func (e *Estimator) scalarUpdate(i int, z, r float64) {
	s := e.cov.At(i, i) + r
	if !(s > 0) {
		return
	}
	innovation := z - e.component(i)

	col := mat.NewVecDense(StateSize, nil)
	for j := 0; j < StateSize; j++ {
		col.SetVec(j, e.cov.At(j, i))
	}

	var dx [StateSize]float64
	for j := range dx {
		dx[j] = col.AtVec(j) / s * innovation
	}
	e.applyCorrection(dx)

	// P' = P - P h h^T P / s
	next := mat.NewSymDense(StateSize, nil)
	next.SymRankOne(e.cov, -1/s, col)
	e.cov = next
}

func (e *Estimator) component(i int) float64 {
	switch i {
	case IdxX:
		return e.pose.Position.X
	case IdxY:
		return e.pose.Position.Y
	case IdxHeading:
		return e.pose.Heading()
	case IdxAngular:
		return e.twist.Angular
	default:
		return e.twist.Linear
	}
}

func (e *Estimator) applyCorrection(dx [StateSize]float64) {
	e.pose.Position.X += dx[IdxX]
	e.pose.Position.Y += dx[IdxY]
	e.pose.Rotation = e.pose.Rotation.Compose(geometry.RotationFromAngle(dx[IdxHeading]))
	e.twist.Angular += dx[IdxAngular]
	e.twist.Linear += dx[IdxLinear]
}

// resetVariance drops all knowledge about component i: its cross terms are
// zeroed and its variance set back to the initial rate variance.
func (e *Estimator) resetVariance(i int) {
	for j := 0; j < StateSize; j++ {
		e.cov.SetSym(i, j, 0)
	}
	e.cov.SetSym(i, i, e.cfg.InitialRateVariance)
}

func (e *Estimator) initialize(stamp time.Time) {
	e.stamp = stamp
	e.phase = Initialized
}

func (e *Estimator) markPredicted() {
	e.predicted = true
	e.advance()
}

func (e *Estimator) markCorrected() {
	e.corrected = true
	e.advance()
}

func (e *Estimator) advance() {
	if e.phase == Initialized && e.predicted && e.corrected {
		e.phase = Running
	}
}

func sqrtNonNeg(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}
