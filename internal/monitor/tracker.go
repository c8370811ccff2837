// Package monitor keeps a short history of estimates and plans for the
// debug charts, and renders full-run plots to PNG.
package monitor

import (
	"sync"
	"time"

	"github.com/kullken/Pet-Mk-IV/internal/estimator"
	"github.com/kullken/Pet-Mk-IV/internal/monitoring"
	"github.com/kullken/Pet-Mk-IV/internal/node"
)

var logf = monitoring.Tagged("Monitor")

// DefaultTrailLength is the number of estimates kept for the path chart.
const DefaultTrailLength = 600

// SolveSample is one control cycle's solver outcome.
type SolveSample struct {
	Stamp             time.Time
	PenaltyIterations int
	SolverIterations  int
	MaxConstraintCost float64
	SolveMs           float64
	Feasible          bool
}

// Tracker records recent estimates and plans. It implements both
// node.StatePublisher and node.SetpointPublisher.
type Tracker struct {
	mu         sync.Mutex
	capacity   int
	trail      []estimator.StateOutput // ring buffer
	next       int
	full       bool
	solves     []SolveSample // ring buffer, same capacity
	nextSolve  int
	solvesFull bool
	plan       node.Plan
	havePlan   bool
}

// NewTracker returns a tracker keeping the last capacity estimates and
// solves. capacity <= 0 selects DefaultTrailLength.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultTrailLength
	}
	return &Tracker{
		capacity: capacity,
		trail:    make([]estimator.StateOutput, capacity),
		solves:   make([]SolveSample, capacity),
	}
}

func (t *Tracker) PublishState(s estimator.StateOutput) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trail[t.next] = s
	t.next = (t.next + 1) % t.capacity
	if t.next == 0 {
		t.full = true
	}
}

func (t *Tracker) PublishPlan(p node.Plan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.plan = p
	t.havePlan = true
	t.solves[t.nextSolve] = SolveSample{
		Stamp:             p.Stamp,
		PenaltyIterations: p.Report.PenaltyIterations,
		SolverIterations:  p.Report.SolverIterations,
		MaxConstraintCost: p.Report.MaxConstraintCost,
		SolveMs:           float64(p.Report.Elapsed.Microseconds()) / 1000,
		Feasible:          p.Report.Feasible,
	}
	t.nextSolve = (t.nextSolve + 1) % t.capacity
	if t.nextSolve == 0 {
		t.solvesFull = true
	}
}

// Trail returns the recorded estimates, oldest first.
func (t *Tracker) Trail() []estimator.StateOutput {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ordered(t.trail, t.next, t.full)
}

// Solves returns the recorded solver outcomes, oldest first.
func (t *Tracker) Solves() []SolveSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ordered(t.solves, t.nextSolve, t.solvesFull)
}

// LatestPlan returns the most recent plan, if any.
func (t *Tracker) LatestPlan() (node.Plan, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.plan, t.havePlan
}

func ordered[T any](ring []T, next int, full bool) []T {
	if !full {
		return append([]T(nil), ring[:next]...)
	}
	out := make([]T, 0, len(ring))
	out = append(out, ring[next:]...)
	return append(out, ring[:next]...)
}
