package sensorlink

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kullken/Pet-Mk-IV/internal/geometry"
	"github.com/kullken/Pet-Mk-IV/internal/measurement"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	stamp := time.Unix(0, 1700000000123456789)
	tests := []struct {
		line string
		want measurement.Measurement
	}{
		{"I,1700000000123456789,0.25", measurement.InertialSample{Time: stamp, AngularRate: 0.25}},
		{" I,1700000000123456789,-1e-3 ", measurement.InertialSample{Time: stamp, AngularRate: -0.001}},
		{"R,1700000000123456789,1.5", measurement.RangingSample{Time: stamp, Distance: 1.5, FrameID: DefaultRangingFrame}},
		{"R,1700000000123456789,1.5,dist_sensor_left", measurement.RangingSample{Time: stamp, Distance: 1.5, FrameID: "dist_sensor_left"}},
		{"R,1700000000123456789,1.5,", measurement.RangingSample{Time: stamp, Distance: 1.5, FrameID: DefaultRangingFrame}},
	}
	for _, tt := range tests {
		got, err := ParseLine(tt.line)
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestParseLineKeepsNonFiniteValues(t *testing.T) {
	t.Parallel()

	m, err := ParseLine("I,1700000000000000000,NaN")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(m.(measurement.InertialSample).AngularRate))
	assert.ErrorIs(t, m.Validate(), measurement.ErrMalformed)
}

func TestParseLineErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line string
		want error
	}{
		{"", ErrUnknownLine},
		{"X,1,2", ErrUnknownLine},
		{"I,1", ErrBadLine},
		{"I,1,2,3", ErrBadLine},
		{"I,abc,0.1", ErrBadLine},
		{"I,-5,0.1", ErrBadLine},
		{"I,1700000000000000000,fast", ErrBadLine},
		{"R,1700000000000000000", ErrBadLine},
		{"R,1700000000000000000,far", ErrBadLine},
		{"R,1,1,a,b", ErrBadLine},
	}
	for _, tt := range tests {
		_, err := ParseLine(tt.line)
		assert.ErrorIs(t, err, tt.want, "%q", tt.line)
	}
}

func TestFormatVelocity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "V,-0.5000,0.1235", FormatVelocity(geometry.Twist{Angular: -0.5, Linear: 0.12345}))
	assert.Equal(t, "V,0.0000,0.0000", FormatVelocity(geometry.Twist{}))
}
