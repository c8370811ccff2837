package node

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kullken/Pet-Mk-IV/internal/estimator"
	"github.com/kullken/Pet-Mk-IV/internal/measurement"
	"github.com/kullken/Pet-Mk-IV/internal/monitoring"
)

var epoch = time.Unix(1700000000, 0)

func at(ms int) time.Time { return epoch.Add(time.Duration(ms) * time.Millisecond) }

func newTestLocalisation(t *testing.T, publishers ...StatePublisher) *Localisation {
	t.Helper()
	monitoring.SetLogger(nil)
	q, err := measurement.NewQueue(50*time.Millisecond, 500*time.Millisecond)
	require.NoError(t, err)
	est, err := estimator.New(estimator.DefaultConfig())
	require.NoError(t, err)
	return NewLocalisation(q, est, "map", "base_link", publishers...)
}

func TestLocalisationNothingBeforeFirstCycle(t *testing.T) {
	l := newTestLocalisation(t)

	_, ok := l.Latest()
	assert.False(t, ok)
	assert.Equal(t, estimator.Uninitialized, l.Estimate().Phase)
}

func TestLocalisationFirstCycleInitializes(t *testing.T) {
	var published []estimator.StateOutput
	l := newTestLocalisation(t, StatePublisherFunc(func(s estimator.StateOutput) {
		published = append(published, s)
	}))

	out := l.Step(at(0))
	assert.Equal(t, "initialized", out.Phase)
	assert.Equal(t, at(0), out.Stamp)
	assert.Equal(t, "map", out.Transform.ParentFrame)
	assert.Equal(t, "base_link", out.Transform.ChildFrame)
	require.Len(t, published, 1)
	assert.Equal(t, out, published[0])

	latest, ok := l.Latest()
	require.True(t, ok)
	assert.Equal(t, out, latest)
}

func TestLocalisationFusesReleasedMeasurements(t *testing.T) {
	l := newTestLocalisation(t)
	l.Step(at(0))

	l.Offer(measurement.InertialSample{Time: at(10), AngularRate: 0.5})
	l.Offer(measurement.InertialSample{Time: at(20), AngularRate: math.NaN()})
	l.Offer(measurement.InertialSample{Time: at(90), AngularRate: 0.5})

	// Only the first two have dwelt 50ms.
	out := l.Step(at(100))
	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.Cycles)
	assert.Equal(t, uint64(1), stats.Fused)
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Equal(t, uint64(3), stats.Queue.Offered)
	assert.Equal(t, uint64(2), stats.Queue.Released)
	assert.Equal(t, "running", out.Phase)
	assert.Greater(t, out.Twist.Angular, 0.0)

	l.Step(at(200))
	assert.Equal(t, uint64(2), l.Stats().Fused)
}

func TestLocalisationDropsStaleMeasurements(t *testing.T) {
	l := newTestLocalisation(t)
	l.Step(at(0))

	l.Offer(measurement.InertialSample{Time: at(10), AngularRate: 1})
	l.Step(at(1000))

	stats := l.Stats()
	assert.Equal(t, uint64(0), stats.Fused)
	assert.Equal(t, uint64(1), stats.Queue.Stale)
	assert.InDelta(t, 0, l.Estimate().Twist.Angular, 1e-12)
}

func TestLocalisationCountsRangingJumpsSeparately(t *testing.T) {
	l := newTestLocalisation(t)
	l.Step(at(0))

	frame := "dist_sensor_middle"
	l.Offer(measurement.RangingSample{Time: at(10), Distance: 2.0, FrameID: frame})
	l.Offer(measurement.RangingSample{Time: at(30), Distance: 0.5, FrameID: frame})
	l.Offer(measurement.RangingSample{Time: at(50), Distance: 0.496, FrameID: frame})
	l.Offer(measurement.RangingSample{Time: at(70), Distance: math.Inf(1), FrameID: frame})
	l.Step(at(200))

	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.Fused)
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Greater(t, l.Estimate().Twist.Linear, 0.0, "speed taken against the reseeded distance")
}
