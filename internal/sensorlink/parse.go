// Package sensorlink translates between the microcontroller's line protocol
// and the autonomy core.
//
// Device to host:
//
//	I,<unix ns>,<yaw rate rad/s>
//	R,<unix ns>,<distance m>[,<frame id>]
//	# <free text>            device log line
//
// Host to device:
//
//	V,<angular rad/s>,<linear m/s>
package sensorlink

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kullken/Pet-Mk-IV/internal/geometry"
	"github.com/kullken/Pet-Mk-IV/internal/measurement"
)

// DefaultRangingFrame is used for ranging lines without a frame id.
const DefaultRangingFrame = "dist_sensor_middle"

var (
	// ErrUnknownLine is returned for lines with an unrecognised tag.
	ErrUnknownLine = errors.New("unknown sensor line")
	// ErrBadLine is returned for recognised lines that do not parse.
	ErrBadLine = errors.New("bad sensor line")
)

// ParseLine decodes one device line. Values are not range-checked here;
// non-finite readings reach the estimator, which rejects them.
func ParseLine(line string) (measurement.Measurement, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	switch fields[0] {
	case "I":
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: inertial line has %d fields: %q", ErrBadLine, len(fields), line)
		}
		stamp, err := parseStamp(fields[1])
		if err != nil {
			return nil, err
		}
		rate, err := parseFloat("yaw rate", fields[2])
		if err != nil {
			return nil, err
		}
		return measurement.InertialSample{Time: stamp, AngularRate: rate}, nil

	case "R":
		if len(fields) != 3 && len(fields) != 4 {
			return nil, fmt.Errorf("%w: ranging line has %d fields: %q", ErrBadLine, len(fields), line)
		}
		stamp, err := parseStamp(fields[1])
		if err != nil {
			return nil, err
		}
		dist, err := parseFloat("distance", fields[2])
		if err != nil {
			return nil, err
		}
		frame := DefaultRangingFrame
		if len(fields) == 4 && strings.TrimSpace(fields[3]) != "" {
			frame = strings.TrimSpace(fields[3])
		}
		return measurement.RangingSample{Time: stamp, Distance: dist, FrameID: frame}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLine, line)
	}
}

func parseStamp(s string) (time.Time, error) {
	ns, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ns <= 0 {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrBadLine, s)
	}
	return time.Unix(0, ns), nil
}

func parseFloat(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrBadLine, name, s)
	}
	return v, nil
}

// FormatVelocity encodes a velocity command.
func FormatVelocity(t geometry.Twist) string {
	return "V," + strconv.FormatFloat(t.Angular, 'f', 4, 64) + "," + strconv.FormatFloat(t.Linear, 'f', 4, 64)
}
