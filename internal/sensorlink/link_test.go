package sensorlink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kullken/Pet-Mk-IV/internal/geometry"
	"github.com/kullken/Pet-Mk-IV/internal/measurement"
	"github.com/kullken/Pet-Mk-IV/internal/monitoring"
	"github.com/kullken/Pet-Mk-IV/internal/mpc"
	"github.com/kullken/Pet-Mk-IV/internal/node"
	"github.com/kullken/Pet-Mk-IV/internal/serialmux"
)

func init() {
	monitoring.SetLogger(nil)
}

type recordingSink struct {
	got []measurement.Measurement
}

func (s *recordingSink) Offer(m measurement.Measurement) { s.got = append(s.got, m) }

type failingMux struct {
	*serialmux.DisabledSerialMux
}

func (failingMux) SendCommand(string) error { return errors.New("uart gone") }

func TestHandleLineCounts(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	l := New(serialmux.NewDisabledSerialMux(), sink)

	for _, line := range []string{
		"I,1700000000000000000,0.1",
		"R,1700000000000000000,2.0",
		"# motor driver ready",
		"Z,1,2",
		"I,oops,1",
		"",
	} {
		l.HandleLine(line)
	}

	assert.Len(t, sink.got, 2)
	assert.Equal(t, Stats{Lines: 5, Inertial: 1, Ranging: 1, Device: 1, Unknown: 1, Bad: 1}, l.Stats())
}

func TestRunForwardsUntilCancelled(t *testing.T) {
	t.Parallel()

	port := serialmux.NewTestableSerialPort()
	port.AddReadData("I,1700000000000000000,0.1\nR,1700000000000000000,2.0\n")
	mux := serialmux.NewSerialMux(port)
	sink := &recordingSink{}
	l := New(mux, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// Run must have subscribed before the mux reads.
	require.Eventually(t, func() bool { return mux.Subscribers() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, mux.Monitor(context.Background()))

	require.Eventually(t, func() bool { return l.Stats().Lines == 2 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Len(t, sink.got, 2)
}

func TestRunEndsWhenMuxCloses(t *testing.T) {
	t.Parallel()

	mux := serialmux.NewDisabledSerialMux()
	l := New(mux, &recordingSink{})

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, mux.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("link did not stop")
	}
}

func TestPublishPlanSendsFirstOptimisedTwist(t *testing.T) {
	t.Parallel()

	mux := serialmux.NewDisabledSerialMux()
	l := New(mux, &recordingSink{})

	l.PublishPlan(node.Plan{})
	l.PublishPlan(node.Plan{Setpoints: []mpc.Setpoint{
		{Twist: geometry.Twist{Linear: 0.05}},
		{Twist: geometry.Twist{Angular: 0.2, Linear: 0.3}},
	}})
	require.NoError(t, l.Stop())

	assert.Equal(t, []string{"V,0.2000,0.3000", "V,0.0000,0.0000"}, mux.Commands())
	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.Commands)
	assert.Equal(t, "V,0.0000,0.0000", stats.LastCommand)
}

func TestCommandFailureIsCounted(t *testing.T) {
	t.Parallel()

	l := New(failingMux{serialmux.NewDisabledSerialMux()}, &recordingSink{})
	assert.Error(t, l.Stop())
	stats := l.Stats()
	assert.Equal(t, uint64(1), stats.CommandErrors)
	assert.Equal(t, "uart gone", stats.LastCommandErr)
}
