// Package measurement defines the sensor observations fused by the state
// estimator and the timestamp-ordered queue that releases them.
//
// Measurement is a closed variant: only InertialSample and RangingSample
// implement it. Samples are plain values, handed to the queue by value and
// dropped once fused or discarded.
package measurement

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformed is returned by Validate for samples carrying non-finite values.
var ErrMalformed = errors.New("malformed measurement")

// Kind identifies the variant of a Measurement.
type Kind int

const (
	KindInertial Kind = iota
	KindRanging
)

func (k Kind) String() string {
	switch k {
	case KindInertial:
		return "inertial"
	case KindRanging:
		return "ranging"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Measurement is a timestamped sensor observation.
type Measurement interface {
	// Stamp is the time the sensor sampled the value.
	Stamp() time.Time
	// Kind reports the variant.
	Kind() Kind
	// Validate returns ErrMalformed if any value is non-finite.
	Validate() error

	sealed()
}

// InertialSample is a yaw-rate reading from the IMU gyro.
type InertialSample struct {
	Time        time.Time
	AngularRate float64 // rad/s, counter-clockwise positive
}

func (s InertialSample) Stamp() time.Time { return s.Time }
func (s InertialSample) Kind() Kind       { return KindInertial }
func (InertialSample) sealed()            {}

func (s InertialSample) Validate() error {
	if math.IsNaN(s.AngularRate) || math.IsInf(s.AngularRate, 0) {
		return fmt.Errorf("%w: inertial angular rate %v", ErrMalformed, s.AngularRate)
	}
	if s.Time.IsZero() {
		return fmt.Errorf("%w: inertial sample without timestamp", ErrMalformed)
	}
	return nil
}

// RangingSample is a distance reading from a forward-facing ultrasound
// sensor.
type RangingSample struct {
	Time     time.Time
	Distance float64 // metres
	FrameID  string  // sensor frame, e.g. "dist_sensor_middle"
}

func (s RangingSample) Stamp() time.Time { return s.Time }
func (s RangingSample) Kind() Kind       { return KindRanging }
func (RangingSample) sealed()            {}

func (s RangingSample) Validate() error {
	if math.IsNaN(s.Distance) || math.IsInf(s.Distance, 0) {
		return fmt.Errorf("%w: ranging distance %v", ErrMalformed, s.Distance)
	}
	if s.Distance < 0 {
		return fmt.Errorf("%w: negative ranging distance %v", ErrMalformed, s.Distance)
	}
	if s.Time.IsZero() {
		return fmt.Errorf("%w: ranging sample without timestamp", ErrMalformed)
	}
	return nil
}
