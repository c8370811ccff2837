package node

import (
	"context"
	"fmt"
	"time"

	"github.com/kullken/Pet-Mk-IV/internal/timeutil"
)

// Runner drives Localisation and Control from clock tickers. Both steps run
// on the Run goroutine, one at a time.
type Runner struct {
	Clock           timeutil.Clock
	Localisation    *Localisation
	Control         *Control // optional
	EstimatorPeriod time.Duration
	ControlPeriod   time.Duration
}

// Run blocks until ctx is cancelled and returns ctx.Err().
func (r *Runner) Run(ctx context.Context) error {
	if r.Localisation == nil {
		return fmt.Errorf("runner needs a localisation task")
	}
	if r.EstimatorPeriod <= 0 || (r.Control != nil && r.ControlPeriod <= 0) {
		return fmt.Errorf("invalid periods: estimator %s, control %s", r.EstimatorPeriod, r.ControlPeriod)
	}
	clock := r.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	est := clock.NewTicker(r.EstimatorPeriod)
	defer est.Stop()

	var control <-chan time.Time
	if r.Control != nil {
		ctl := clock.NewTicker(r.ControlPeriod)
		defer ctl.Stop()
		control = ctl.C()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-est.C():
			r.Localisation.Step(now)
		case now := <-control:
			// Errors are counted and logged by Control; the cycle is simply skipped.
			_, _ = r.Control.Step(ctx, now)
		}
	}
}
