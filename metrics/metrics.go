// Package metrics provides low-overhead, optional runtime statistics for a
// loop.Loop: task and poll latency percentiles via a streaming P² estimator,
// task/timer queue depth, and a rolling transactions-per-second counter.
// Nothing in this package retains per-observation history; every stat is
// updated in O(1) and read back as a snapshot.
package metrics

import (
	"sync"
	"time"
)

// Metrics aggregates everything one Loop optionally tracks about itself.
// Construct one with NewMetrics: Task, Poll and Queue work at their zero
// value, but TPS is nil in a zero-value Metrics. Loop only touches it when
// constructed via loop.WithMetrics.
type Metrics struct {
	// Task is the latency of each callback the loop runs: loop.Execute work
	// and fired Schedule timers.
	Task LatencyMetrics
	// Poll is the latency of each reactor backend poll call.
	Poll LatencyMetrics
	// Queue tracks task and timer queue depth at the start of each tick.
	Queue QueueMetrics
	// TPS counts those callbacks per second over a rolling window.
	TPS *TPSCounter
}

// NewMetrics constructs a Metrics with a 10s/100ms rolling TPS window,
// matching the balance of precision and overhead recommended for
// production monitoring.
func NewMetrics() *Metrics {
	return &Metrics{TPS: NewTPSCounter(10*time.Second, 100*time.Millisecond)}
}

// LatencyMetrics tracks a latency distribution via the P² streaming
// quantile estimator: O(1) updates, four tracked percentiles (P50/P90/P95/
// P99), running sum/mean/max.
type LatencyMetrics struct {
	mu    sync.Mutex
	mq    *multiQuantile
	count int
}

// Record adds one latency observation.
func (l *LatencyMetrics) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mq == nil {
		l.mq = newMultiQuantile(0.50, 0.90, 0.95, 0.99)
	}
	l.mq.Update(float64(d))
	l.count++
}

// Snapshot returns the current percentile/mean/max/count view. Safe to call
// concurrently with Record.
func (l *LatencyMetrics) Snapshot() LatencySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mq == nil {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: l.count,
		P50:   time.Duration(l.mq.Quantile(0)),
		P90:   time.Duration(l.mq.Quantile(1)),
		P95:   time.Duration(l.mq.Quantile(2)),
		P99:   time.Duration(l.mq.Quantile(3)),
		Max:   time.Duration(l.mq.Max()),
		Mean:  time.Duration(l.mq.Mean()),
	}
}

// LatencySnapshot is a point-in-time read of a LatencyMetrics.
type LatencySnapshot struct {
	Count                   int
	P50, P90, P95, P99, Max time.Duration
	Mean                    time.Duration
}

// QueueMetrics tracks queue depth with current/max/EMA(alpha=0.1) views,
// one series per queue this module exposes depth for.
type QueueMetrics struct {
	mu     sync.Mutex
	task   depthSeries
	timer  depthSeries
}

type depthSeries struct {
	current     int
	max         int
	avg         float64
	initialized bool
}

func (d *depthSeries) update(depth int) {
	d.current = depth
	if depth > d.max {
		d.max = depth
	}
	if !d.initialized {
		d.avg = float64(depth)
		d.initialized = true
	} else {
		d.avg = 0.9*d.avg + 0.1*float64(depth)
	}
}

func (d *depthSeries) snapshot() DepthSnapshot {
	return DepthSnapshot{Current: d.current, Max: d.max, Avg: d.avg}
}

// DepthSnapshot is a point-in-time read of one queue's depth series.
type DepthSnapshot struct {
	Current, Max int
	Avg          float64
}

// UpdateTask records the task queue's depth at the start of a tick.
func (q *QueueMetrics) UpdateTask(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.task.update(depth)
}

// UpdateTimer records the timer heap's depth at the start of a tick.
func (q *QueueMetrics) UpdateTimer(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timer.update(depth)
}

// TaskSnapshot returns the task queue's current depth series.
func (q *QueueMetrics) TaskSnapshot() DepthSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.task.snapshot()
}

// TimerSnapshot returns the timer heap's current depth series.
func (q *QueueMetrics) TimerSnapshot() DepthSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.timer.snapshot()
}
