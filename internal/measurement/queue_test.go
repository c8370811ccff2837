package measurement

import (
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1700000000, 0)

func at(ms int) time.Time { return epoch.Add(time.Duration(ms) * time.Millisecond) }

func stampsMs(ms []Measurement) []int {
	out := make([]int, len(ms))
	for i, m := range ms {
		out[i] = int(m.Stamp().Sub(epoch) / time.Millisecond)
	}
	return out
}

func newTestQueue(t *testing.T, minMs, maxMs int) *Queue {
	t.Helper()
	q, err := NewQueue(time.Duration(minMs)*time.Millisecond, time.Duration(maxMs)*time.Millisecond)
	require.NoError(t, err)
	return q
}

func TestNewQueueValidation(t *testing.T) {
	t.Parallel()

	_, err := NewQueue(-time.Millisecond, time.Second)
	assert.Error(t, err)
	_, err = NewQueue(time.Second, time.Millisecond)
	assert.Error(t, err)
	q, err := NewQueue(0, 0)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), q.MinLatency())
}

func TestQueueReordersWithinDwellWindow(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 50, 500)
	q.Offer(InertialSample{Time: at(100)})
	q.Offer(RangingSample{Time: at(80), Distance: 1})
	q.Offer(InertialSample{Time: at(120)})

	assert.Empty(t, q.Drain(at(130)), "nothing has dwelt 50ms yet")
	assert.Equal(t, 3, q.Len())

	got := q.Drain(at(200))
	assert.Equal(t, []int{80, 100, 120}, stampsMs(got))
	assert.Equal(t, 0, q.Len())
}

func TestQueueReleasesIncrementally(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 50, 500)
	q.Offer(InertialSample{Time: at(100)})
	q.Offer(InertialSample{Time: at(140)})

	assert.Equal(t, []int{100}, stampsMs(q.Drain(at(150))))
	assert.Empty(t, q.Drain(at(160)))
	assert.Equal(t, []int{140}, stampsMs(q.Drain(at(190))))
	assert.Empty(t, q.Drain(at(1000)), "never returned twice")
}

func TestQueueDiscardsStale(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 50, 500)
	q.Offer(InertialSample{Time: at(0)})
	q.Offer(InertialSample{Time: at(100)})
	q.Offer(InertialSample{Time: at(700)})

	got := q.Drain(at(750))
	assert.Equal(t, []int{700}, stampsMs(got))

	stats := q.Stats()
	assert.Equal(t, uint64(3), stats.Offered)
	assert.Equal(t, uint64(2), stats.Stale)
	assert.Equal(t, uint64(1), stats.Released)
	assert.Equal(t, 3, stats.HighWater)
}

func TestQueueExactBoundaries(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 50, 500)
	q.Offer(InertialSample{Time: at(0)})
	// Exactly min latency: eligible.
	assert.Equal(t, []int{0}, stampsMs(q.Drain(at(50))))

	q.Offer(InertialSample{Time: at(100)})
	// Exactly max latency: still returned, not stale.
	assert.Equal(t, []int{100}, stampsMs(q.Drain(at(600))))
}

func TestQueueTiesAreStable(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 0, 1000)
	first := InertialSample{Time: at(10), AngularRate: 1}
	second := RangingSample{Time: at(10), Distance: 2}
	third := InertialSample{Time: at(10), AngularRate: 3}
	q.Offer(first)
	q.Offer(second)
	q.Offer(third)

	got := q.Drain(at(10))
	require.Len(t, got, 3)
	assert.Equal(t, Measurement(first), got[0])
	assert.Equal(t, Measurement(second), got[1])
	assert.Equal(t, Measurement(third), got[2])
}

func TestQueueOrderingProperty(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		q := newTestQueue(t, 50, 400)
		now := 1000
		var offered []int
		for i := 0; i < 200; i++ {
			stamp := now - rng.Intn(600)
			offered = append(offered, stamp)
			q.Offer(InertialSample{Time: at(stamp)})
		}

		var released []int
		for step := 0; step <= 10; step++ {
			drainAt := now + step*40
			got := stampsMs(q.Drain(at(drainAt)))
			for _, s := range got {
				age := drainAt - s
				assert.GreaterOrEqual(t, age, 50, "released before dwell")
				assert.LessOrEqual(t, age, 400, "stale sample released")
			}
			released = append(released, got...)
		}

		for i := 1; i < len(released); i++ {
			assert.LessOrEqual(t, released[i-1], released[i], "trial %d not ordered", trial)
		}

		// Every young-enough sample eventually comes out exactly once.
		expected := 0
		for _, s := range offered {
			if now-s <= 400 {
				expected++
			}
		}
		assert.Len(t, released, expected)
		assert.Equal(t, 0, q.Len())
	}
}

func TestQueueConcurrentOffer(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 0, 10000)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Offer(InertialSample{Time: at(i*4 + p)})
			}
		}(p)
	}

	var drained []Measurement
	producersDone := make(chan struct{})
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			drained = append(drained, q.Drain(at(500))...)
			select {
			case <-producersDone:
				return
			default:
				time.Sleep(time.Millisecond)
			}
		}
	}()
	wg.Wait()
	close(producersDone)
	<-consumerDone
	drained = append(drained, q.Drain(at(5000))...)

	assert.Len(t, drained, 1000)
	assert.Equal(t, uint64(1000), q.Stats().Released)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, InertialSample{Time: at(1), AngularRate: 0.3}.Validate())
	assert.ErrorIs(t, InertialSample{Time: at(1), AngularRate: math.NaN()}.Validate(), ErrMalformed)
	assert.ErrorIs(t, InertialSample{AngularRate: 1}.Validate(), ErrMalformed)
	assert.NoError(t, RangingSample{Time: at(1), Distance: 0.4}.Validate())
	assert.ErrorIs(t, RangingSample{Time: at(1), Distance: math.Inf(1)}.Validate(), ErrMalformed)
	assert.ErrorIs(t, RangingSample{Time: at(1), Distance: -1}.Validate(), ErrMalformed)

	assert.Equal(t, "inertial", KindInertial.String())
	assert.Equal(t, "ranging", RangingSample{}.Kind().String())
}
