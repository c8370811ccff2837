package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kullken/Pet-Mk-IV/internal/timeutil"
)

func TestRunnerValidates(t *testing.T) {
	r := &Runner{EstimatorPeriod: time.Millisecond}
	assert.Error(t, r.Run(context.Background()))

	r = &Runner{Localisation: newTestLocalisation(t)}
	assert.Error(t, r.Run(context.Background()))
}

func TestRunnerDrivesBothTasks(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	loc := newTestLocalisation(t)
	ctl := NewControl(newTestMpc(t), loc)
	r := &Runner{
		Clock:           clock,
		Localisation:    loc,
		Control:         ctl,
		EstimatorPeriod: 20 * time.Millisecond,
		ControlPeriod:   200 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.True(t, clock.WaitForTickers(2, time.Second))

	for i := 1; i <= 10; i++ {
		clock.Advance(20 * time.Millisecond)
		want := uint64(i)
		require.Eventually(t, func() bool { return loc.Stats().Cycles == want }, time.Second, time.Millisecond)
	}
	require.Eventually(t, func() bool { return ctl.Stats().Cycles == 1 }, time.Second, time.Millisecond)

	latest, ok := loc.Latest()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(200*time.Millisecond), latest.Stamp)
	// No reference has been set.
	assert.Equal(t, uint64(1), ctl.Stats().Aborted)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
