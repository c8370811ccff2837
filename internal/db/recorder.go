package db

import (
	"context"
	"sync"
	"time"

	"github.com/kullken/Pet-Mk-IV/internal/estimator"
	"github.com/kullken/Pet-Mk-IV/internal/node"
	"github.com/kullken/Pet-Mk-IV/internal/timeutil"
)

// RecorderStats counts what the recorder stored or dropped.
type RecorderStats struct {
	Estimates uint64 `json:"estimates"`
	Plans     uint64 `json:"plans"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// Recorder buffers published estimates and plans and writes them in
// batches, so the periodic tasks never wait on sqlite. It implements
// node.StatePublisher and node.SetpointPublisher.
type Recorder struct {
	DB    *DB
	RunID string
	Clock timeutil.Clock

	// EstimateEvery keeps one estimate in N; 0 or 1 keeps all.
	EstimateEvery int
	// FlushInterval is how often buffered rows are written.
	FlushInterval time.Duration
	// MaxPending bounds each buffer; rows beyond it are dropped.
	MaxPending int

	mu        sync.Mutex
	seen      uint64
	estimates []estimator.StateOutput
	plans     []node.Plan
	stats     RecorderStats
}

// NewRecorder returns a recorder for runID with defaults suited to a 50 Hz
// estimator.
func NewRecorder(db *DB, runID string) *Recorder {
	return &Recorder{
		DB:            db,
		RunID:         runID,
		EstimateEvery: 5,
		FlushInterval: time.Second,
		MaxPending:    10000,
	}
}

func (r *Recorder) PublishState(s estimator.StateOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen++
	if every := uint64(r.EstimateEvery); every > 1 && (r.seen-1)%every != 0 {
		return
	}
	if r.MaxPending > 0 && len(r.estimates) >= r.MaxPending {
		r.stats.Dropped++
		return
	}
	r.estimates = append(r.estimates, s)
}

func (r *Recorder) PublishPlan(p node.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.MaxPending > 0 && len(r.plans) >= r.MaxPending {
		r.stats.Dropped++
		return
	}
	r.plans = append(r.plans, p)
}

// Flush writes everything buffered so far.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	estimates, plans := r.estimates, r.plans
	r.estimates, r.plans = nil, nil
	r.mu.Unlock()

	err := r.DB.InsertEstimates(ctx, r.RunID, estimates)
	if err == nil {
		err = r.DB.InsertPlans(ctx, r.RunID, plans)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.stats.Errors++
		r.stats.Dropped += uint64(len(estimates) + len(plans))
		return err
	}
	r.stats.Estimates += uint64(len(estimates))
	r.stats.Plans += uint64(len(plans))
	return nil
}

// Run flushes every FlushInterval until ctx is cancelled, then flushes one
// last time.
func (r *Recorder) Run(ctx context.Context) error {
	clock := r.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(r.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := r.Flush(context.Background()); err != nil {
				logf("final flush failed: %v", err)
			}
			return ctx.Err()
		case <-ticker.C():
			if err := r.Flush(ctx); err != nil {
				logf("flush failed: %v", err)
			}
		}
	}
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
