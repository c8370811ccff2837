// Package trajectory provides reference paths for the controller: immutable
// functions from elapsed time to pose with a finite duration.
package trajectory

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kullken/Pet-Mk-IV/internal/geometry"
)

// Trajectory is a time-parameterised reference path. Querying past
// Duration returns End. Implementations are immutable and safe to share
// between goroutines.
type Trajectory interface {
	Pose(elapsed time.Duration) geometry.Pose2D
	Duration() time.Duration
	End() geometry.Pose2D
}

// Linear moves in a straight line between two poses, interpolating the
// rotation along the shorter arc.
type Linear struct {
	start, end geometry.Pose2D
	duration   time.Duration
}

// NewLinear returns a straight-line trajectory. A non-positive duration
// yields a path that is at end immediately.
func NewLinear(start, end geometry.Pose2D, duration time.Duration) Linear {
	if duration < 0 {
		duration = 0
	}
	return Linear{start: start, end: end, duration: duration}
}

func (l Linear) Duration() time.Duration { return l.duration }
func (l Linear) End() geometry.Pose2D    { return l.end }
func (l Linear) Start() geometry.Pose2D  { return l.start }

func (l Linear) Pose(elapsed time.Duration) geometry.Pose2D {
	if elapsed >= l.duration {
		return l.end
	}
	if elapsed <= 0 {
		return l.start
	}
	f := float64(elapsed) / float64(l.duration)
	return geometry.Pose2D{
		Position: l.start.Position.Lerp(l.end.Position, f),
		Rotation: l.start.Rotation.Slerp(l.end.Rotation, f),
	}
}

// Stationary holds a single pose.
type Stationary struct {
	pose     geometry.Pose2D
	duration time.Duration
}

// NewStationary returns a trajectory that stays at pose for duration.
func NewStationary(pose geometry.Pose2D, duration time.Duration) Stationary {
	if duration < 0 {
		duration = 0
	}
	return Stationary{pose: pose, duration: duration}
}

func (s Stationary) Pose(time.Duration) geometry.Pose2D { return s.pose }
func (s Stationary) Duration() time.Duration            { return s.duration }
func (s Stationary) End() geometry.Pose2D               { return s.pose }

// Piecewise plays its segments back to back.
type Piecewise struct {
	segments []Trajectory
	ends     []time.Duration // cumulative end time of each segment
}

// NewPiecewise concatenates segments. At least one is required.
func NewPiecewise(segments ...Trajectory) (Piecewise, error) {
	if len(segments) == 0 {
		return Piecewise{}, errors.New("piecewise trajectory needs at least one segment")
	}
	p := Piecewise{
		segments: append([]Trajectory(nil), segments...),
		ends:     make([]time.Duration, len(segments)),
	}
	var total time.Duration
	for i, s := range segments {
		total += s.Duration()
		p.ends[i] = total
	}
	return p, nil
}

func (p Piecewise) Duration() time.Duration {
	if len(p.ends) == 0 {
		return 0
	}
	return p.ends[len(p.ends)-1]
}

func (p Piecewise) End() geometry.Pose2D {
	if len(p.segments) == 0 {
		return geometry.IdentityPose()
	}
	return p.segments[len(p.segments)-1].End()
}

func (p Piecewise) Pose(elapsed time.Duration) geometry.Pose2D {
	if elapsed >= p.Duration() {
		return p.End()
	}
	// First segment whose end lies after elapsed.
	i := sort.Search(len(p.ends), func(i int) bool { return p.ends[i] > elapsed })
	var base time.Duration
	if i > 0 {
		base = p.ends[i-1]
	}
	return p.segments[i].Pose(elapsed - base)
}

// Segments returns the number of segments.
func (p Piecewise) Segments() int { return len(p.segments) }

// Waypoints builds a Piecewise of Linear segments through poses, each timed
// by driving its straight-line distance at speed (m/s). Segments that only
// turn in place are timed by treating speed as a turn rate in rad/s.
// A single pose gives a zero-length stationary path.
func Waypoints(speed float64, poses ...geometry.Pose2D) (Piecewise, error) {
	if !(speed > 0) || math.IsInf(speed, 0) {
		return Piecewise{}, fmt.Errorf("cruise speed must be positive and finite, got %v", speed)
	}
	if len(poses) == 0 {
		return Piecewise{}, errors.New("at least one waypoint is required")
	}
	for i, p := range poses {
		if !p.IsFinite() {
			return Piecewise{}, fmt.Errorf("waypoint %d is not finite: %v", i, p)
		}
	}
	if len(poses) == 1 {
		return NewPiecewise(NewStationary(poses[0], 0))
	}

	segments := make([]Trajectory, 0, len(poses)-1)
	for i := 1; i < len(poses); i++ {
		a, b := poses[i-1], poses[i]
		dist := b.Position.Sub(a.Position).Norm()
		seconds := dist / speed
		if dist == 0 {
			seconds = math.Abs(geometry.Between(a, b).Heading()) / speed
		}
		segments = append(segments, NewLinear(a, b, time.Duration(seconds*float64(time.Second))))
	}
	return NewPiecewise(segments...)
}

// Sample evaluates t every step from zero through Duration, always
// including the end pose.
func Sample(t Trajectory, step time.Duration) []geometry.Pose2D {
	if step <= 0 {
		return []geometry.Pose2D{t.End()}
	}
	var out []geometry.Pose2D
	for elapsed := time.Duration(0); elapsed < t.Duration(); elapsed += step {
		out = append(out, t.Pose(elapsed))
	}
	return append(out, t.End())
}

type offset struct {
	t     Trajectory
	start time.Duration
}

// Offset returns the part of t that remains after start has elapsed, so
// a reference can be re-sampled from the current time every control cycle.
// Offset(t, 0) behaves like t.
func Offset(t Trajectory, start time.Duration) Trajectory {
	if start <= 0 {
		return t
	}
	return offset{t: t, start: start}
}

func (o offset) Pose(elapsed time.Duration) geometry.Pose2D { return o.t.Pose(o.start + elapsed) }
func (o offset) End() geometry.Pose2D                       { return o.t.End() }

func (o offset) Duration() time.Duration {
	if d := o.t.Duration() - o.start; d > 0 {
		return d
	}
	return 0
}
