// Package node wires the estimator and the controller into periodic tasks.
// Localisation and Control each own their core component; Runner drives
// both from one goroutine so neither core is ever mutated concurrently.
package node

import (
	"errors"
	"sync"
	"time"

	"github.com/kullken/Pet-Mk-IV/internal/estimator"
	"github.com/kullken/Pet-Mk-IV/internal/measurement"
	"github.com/kullken/Pet-Mk-IV/internal/monitoring"
)

var logf = monitoring.Tagged("Node")

// StatePublisher receives the estimator output once per localisation cycle.
type StatePublisher interface {
	PublishState(estimator.StateOutput)
}

// StatePublisherFunc adapts a function to StatePublisher.
type StatePublisherFunc func(estimator.StateOutput)

func (f StatePublisherFunc) PublishState(s estimator.StateOutput) { f(s) }

// LocalisationStats counts localisation activity.
type LocalisationStats struct {
	Queue     measurement.QueueStats `json:"queue"`
	Cycles    uint64                 `json:"cycles"`
	Fused     uint64                 `json:"fused"`
	Malformed uint64                 `json:"malformed"`
	Rejected  uint64                 `json:"rejected"` // implausible ranging jumps
}

// Localisation owns the measurement queue and the estimator.
type Localisation struct {
	queue      *measurement.Queue
	publishers []StatePublisher
	mapFrame   string
	baseFrame  string

	mu        sync.Mutex // guards everything below against readers outside the cycle
	est       *estimator.Estimator
	latest    estimator.StateOutput
	published bool
	stats     LocalisationStats
}

// NewLocalisation returns a task fusing measurements from queue into est.
func NewLocalisation(queue *measurement.Queue, est *estimator.Estimator, mapFrame, baseFrame string, publishers ...StatePublisher) *Localisation {
	return &Localisation{
		queue:      queue,
		est:        est,
		mapFrame:   mapFrame,
		baseFrame:  baseFrame,
		publishers: publishers,
	}
}

// Offer hands a measurement to the queue. Safe to call from any goroutine.
func (l *Localisation) Offer(m measurement.Measurement) { l.queue.Offer(m) }

// Step runs one cycle: predict to now, fuse every released measurement and
// publish the resulting state.
func (l *Localisation) Step(now time.Time) estimator.StateOutput {
	ready := l.queue.Drain(now)

	l.mu.Lock()
	l.est.Predict(now)
	for _, m := range ready {
		if err := l.est.Correct(m); err != nil {
			switch {
			case errors.Is(err, estimator.ErrMalformedMeasurement):
				l.stats.Malformed++
				continue
			case errors.Is(err, estimator.ErrImplausibleRanging):
				l.stats.Rejected++
				continue
			}
			logf("unexpected correction error: %v", err)
			continue
		}
		l.stats.Fused++
	}
	l.stats.Cycles++
	out := l.est.Output(l.mapFrame, l.baseFrame)
	l.latest = out
	l.published = true
	l.mu.Unlock()

	for _, p := range l.publishers {
		p.PublishState(out)
	}
	return out
}

// Latest returns the last published state. ok is false before the first
// cycle.
func (l *Localisation) Latest() (out estimator.StateOutput, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest, l.published
}

// Estimate returns a snapshot of the filter including its covariance.
func (l *Localisation) Estimate() estimator.Estimate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.est.Estimate()
}

// Stats returns the localisation counters.
func (l *Localisation) Stats() LocalisationStats {
	l.mu.Lock()
	s := l.stats
	l.mu.Unlock()
	s.Queue = l.queue.Stats()
	return s
}
