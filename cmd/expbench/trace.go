package main

import (
	"sync"

	"github.com/runningwild/expbench/pkg/analyze"
	"github.com/runningwild/expbench/pkg/engine"
)

// rateTrace turns the engine's running snapshots into a throughput-over-time
// series for drift fitting.
type rateTrace struct {
	mu     sync.Mutex
	last   engine.Result
	points []analyze.Point
}

func (t *rateTrace) add(r engine.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dt := (r.Elapsed - t.last.Elapsed).Seconds()
	if dt > 0 {
		rate := float64(r.Iterations-t.last.Iterations) / dt
		t.points = append(t.points, analyze.Point{X: r.Elapsed.Seconds(), Y: rate})
	}
	t.last = r
}

func (t *rateTrace) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = engine.Result{}
	t.points = nil
}

func (t *rateTrace) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.points)
}

func (t *rateTrace) drift() analyze.Fit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return analyze.Drift(t.points, 0.05)
}
