package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/runningwild/expbench/pkg/cancel"
)

// Launcher creates pool workers of one isolation kind.
type Launcher interface {
	// NewToken returns an unset token in a form this launcher can hand to
	// its workers at creation time.
	NewToken() (cancel.Token, error)

	// Start creates one worker and returns immediately. Completed work units
	// should be published to ops while the worker runs.
	Start(spec WorkerSpec, tok cancel.Token, ops *atomic.Uint64) (Worker, error)
}

// Worker is a running pool member.
type Worker interface {
	// Wait blocks until the worker has exited and returns its iteration count.
	Wait() (uint64, error)

	// Kill terminates the worker forcibly, or returns ErrKillUnsupported.
	Kill() error
}

// PoolResult is the aggregate of one pool run.
type PoolResult struct {
	Total     uint64
	PerWorker []uint64
	Failed    int // Workers that failed or never reported; counted as zero
}

// Pool runs one bounded loop per worker and sums their counts.
type Pool struct {
	launcher Launcher
	grace    time.Duration
	logger   *slog.Logger
}

func NewPool(l Launcher, grace time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{launcher: l, grace: grace, logger: logger}
}

// Run starts every worker up front, then waits for all of them.
//
// Cancelling ctx sets tok so that in-flight workers stop at their next check.
// A worker still running one grace period after the stop (or after its
// deadline) is killed; one that cannot be killed is counted as zero and
// left to finish its bounded loop.
//
// If any worker fails to start, the workers already running are stopped and
// torn down and an error wrapping ErrStartup is returned.
func (p *Pool) Run(ctx context.Context, specs []WorkerSpec, tok cancel.Token, ops *atomic.Uint64) (PoolResult, error) {
	if len(specs) == 0 {
		return PoolResult{}, fmt.Errorf("%w: no workers requested", ErrStartup)
	}

	workers := make([]Worker, 0, len(specs))
	for _, spec := range specs {
		w, err := p.launcher.Start(spec, tok, ops)
		if err != nil {
			p.logger.Error("worker failed to start", "worker", spec.Index, "error", err)
			tok.Set()
			p.collect(ctx, workers, 0, tok)
			return PoolResult{}, fmt.Errorf("%w: worker %d: %v", ErrStartup, spec.Index, err)
		}
		workers = append(workers, w)
	}

	return p.collect(ctx, workers, specs[0].Duration, tok), nil
}

type outcome struct {
	idx int
	n   uint64
	err error
}

func (p *Pool) collect(ctx context.Context, workers []Worker, limit time.Duration, tok cancel.Token) PoolResult {
	res := PoolResult{PerWorker: make([]uint64, len(workers))}
	if len(workers) == 0 {
		return res
	}

	outcomes := make(chan outcome, len(workers))
	for i, w := range workers {
		go func() {
			n, err := w.Wait()
			outcomes <- outcome{idx: i, n: n, err: err}
		}()
	}

	reported := make([]bool, len(workers))
	pending := len(workers)

	stop := ctx.Done()
	var grace <-chan time.Time
	if tok.IsSet() {
		stop = nil
		grace = time.After(p.grace)
	}
	deadline := time.NewTimer(limit + p.grace)
	defer deadline.Stop()

	killed := false
	expire := func() {
		if killed {
			// Killed workers had a full grace period to report.
			for i := range workers {
				if !reported[i] {
					reported[i] = true
					res.Failed++
					pending--
					p.logger.Error("worker did not exit after kill", "worker", i)
				}
			}
			return
		}
		killed = true
		for i, w := range workers {
			if reported[i] {
				continue
			}
			err := w.Kill()
			switch {
			case errors.Is(err, ErrKillUnsupported):
				// Abandoned, not leaked forever: its Loop still stops at
				// its own deadline.
				reported[i] = true
				res.Failed++
				pending--
				p.logger.Warn("worker overran grace period and cannot be killed", "worker", i)
			case err != nil:
				p.logger.Warn("killing worker", "worker", i, "error", err)
			default:
				p.logger.Warn("worker overran grace period, killed", "worker", i)
			}
		}
		grace = time.After(p.grace)
	}

	for pending > 0 {
		select {
		case o := <-outcomes:
			if reported[o.idx] {
				continue
			}
			reported[o.idx] = true
			pending--
			if o.err != nil {
				res.Failed++
				p.logger.Warn("worker failed", "worker", o.idx, "error", o.err)
				continue
			}
			res.PerWorker[o.idx] = o.n
			res.Total += o.n
		case <-stop:
			stop = nil
			tok.Set()
			grace = time.After(p.grace)
		case <-grace:
			grace = nil
			expire()
		case <-deadline.C:
			if !killed {
				expire()
			}
		}
	}
	return res
}

// GoroutineLauncher runs each worker on its own locked OS thread inside this
// process, sharing an in-memory Flag.
type GoroutineLauncher struct {
	Logger *slog.Logger
}

func (l GoroutineLauncher) NewToken() (cancel.Token, error) {
	return cancel.NewFlag(), nil
}

func (l GoroutineLauncher) Start(spec WorkerSpec, tok cancel.Token, ops *atomic.Uint64) (Worker, error) {
	w := &goroutineWorker{done: make(chan struct{})}
	go func() {
		defer close(w.done)
		runtime.LockOSThread()
		// A pinned thread is never unlocked, so the runtime destroys it when
		// this goroutine exits instead of reusing it with a narrowed CPU mask.
		if spec.Pin {
			if err := pinThread(spec.Index); err != nil && l.Logger != nil {
				l.Logger.Warn("pinning worker", "worker", spec.Index, "error", err)
			}
		} else {
			defer runtime.UnlockOSThread()
		}
		defer func() {
			if r := recover(); r != nil {
				w.err = fmt.Errorf("worker %d panicked: %v", spec.Index, r)
			}
		}()
		w.n = Loop(spec.loop(), tok, ops)
	}()
	return w, nil
}

type goroutineWorker struct {
	done chan struct{}
	n    uint64
	err  error
}

func (w *goroutineWorker) Wait() (uint64, error) {
	<-w.done
	return w.n, w.err
}

func (w *goroutineWorker) Kill() error {
	return ErrKillUnsupported
}
