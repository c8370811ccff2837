package measurement

import (
	"fmt"
	"sync"
	"time"
)

// QueueStats counts what has passed through a Queue.
type QueueStats struct {
	Offered   uint64 // accepted by Offer
	Released  uint64 // returned by Drain
	Stale     uint64 // discarded for exceeding the max latency
	HighWater int    // largest number of entries held at once
}

type entry struct {
	m   Measurement
	seq uint64 // insertion order, breaks timestamp ties
}

// Queue is a timestamp-ordered admission buffer. Entries dwell at least
// minLatency before release so late arrivals can still be ordered before
// them, and are discarded once older than maxLatency.
//
// Offer and Drain may be called from different goroutines; the mutex is the
// single serialization point between sensor callbacks and the periodic task.
type Queue struct {
	minLatency time.Duration
	maxLatency time.Duration

	mu    sync.Mutex
	heap  []entry
	seq   uint64
	stats QueueStats
}

// NewQueue returns an empty queue with the given dwell bounds.
func NewQueue(minLatency, maxLatency time.Duration) (*Queue, error) {
	if minLatency < 0 {
		return nil, fmt.Errorf("min latency must be non-negative, got %s", minLatency)
	}
	if maxLatency < minLatency {
		return nil, fmt.Errorf("max latency %s must not be below min latency %s", maxLatency, minLatency)
	}
	return &Queue{minLatency: minLatency, maxLatency: maxLatency}, nil
}

// MinLatency returns the minimum dwell time.
func (q *Queue) MinLatency() time.Duration { return q.minLatency }

// MaxLatency returns the staleness ceiling.
func (q *Queue) MaxLatency() time.Duration { return q.maxLatency }

// Offer inserts m in O(log n).
func (q *Queue) Offer(m Measurement) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = append(q.heap, entry{m: m, seq: q.seq})
	q.seq++
	q.up(len(q.heap) - 1)

	q.stats.Offered++
	if len(q.heap) > q.stats.HighWater {
		q.stats.HighWater = len(q.heap)
	}
}

// Drain removes and returns, in non-decreasing timestamp order, every entry
// that has dwelt at least minLatency at now. Entries older than maxLatency
// are discarded first and never returned.
func (q *Queue) Drain(now time.Time) []Measurement {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Measurement
	for len(q.heap) > 0 {
		age := now.Sub(q.heap[0].m.Stamp())
		switch {
		case age > q.maxLatency:
			q.pop()
			q.stats.Stale++
		case age >= q.minLatency:
			out = append(out, q.pop().m)
			q.stats.Released++
		default:
			// Everything left is younger than the head.
			return out
		}
	}
	return out
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Reset drops every queued entry. Counters are kept.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = q.heap[:0]
}

func (q *Queue) less(i, j int) bool {
	a, b := q.heap[i], q.heap[j]
	if ta, tb := a.m.Stamp(), b.m.Stamp(); !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.seq < b.seq
}

func (q *Queue) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.less(i, parent) {
			return
		}
		q.heap[i], q.heap[parent] = q.heap[parent], q.heap[i]
		i = parent
	}
}

func (q *Queue) down(i int) {
	n := len(q.heap)
	for {
		smallest := i
		if l := 2*i + 1; l < n && q.less(l, smallest) {
			smallest = l
		}
		if r := 2*i + 2; r < n && q.less(r, smallest) {
			smallest = r
		}
		if smallest == i {
			return
		}
		q.heap[i], q.heap[smallest] = q.heap[smallest], q.heap[i]
		i = smallest
	}
}

func (q *Queue) pop() entry {
	top := q.heap[0]
	last := len(q.heap) - 1
	q.heap[0] = q.heap[last]
	q.heap[last] = entry{}
	q.heap = q.heap[:last]
	if last > 0 {
		q.down(0)
	}
	return top
}
