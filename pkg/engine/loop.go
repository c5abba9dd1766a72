package engine

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/runningwild/expbench/pkg/cancel"
)

// LoopParams configures one bounded loop.
type LoopParams struct {
	Start      int64         // First term index
	BatchSize  int           // Terms per work unit
	Duration   time.Duration // Wall-clock budget
	CheckEvery int           // Work units between token checks
}

// Loop runs work units back to back until Duration has elapsed or tok is set,
// and returns the number of completed units.
//
// The deadline is checked before every unit, so the loop overshoots by at most
// one unit. The token is checked on entry and then every CheckEvery units.
// Completed units are published to ops (if non-nil) at each token check.
func Loop(p LoopParams, tok cancel.Token, ops *atomic.Uint64) uint64 {
	checkEvery := uint64(p.CheckEvery)
	if checkEvery == 0 {
		checkEvery = 1
	}
	count := int64(p.BatchSize)
	start := p.Start

	var iterations, published uint64
	var acc float64

	t0 := time.Now()
	for {
		if iterations%checkEvery == 0 {
			if ops != nil {
				ops.Add(iterations - published)
				published = iterations
			}
			if tok.IsSet() {
				break
			}
		}
		if time.Since(t0) >= p.Duration {
			break
		}
		acc += ExpInverseSum(start, count)
		start += count
		iterations++
	}
	if ops != nil {
		ops.Add(iterations - published)
	}
	runtime.KeepAlive(acc)
	return iterations
}
