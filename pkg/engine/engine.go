package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runningwild/expbench/pkg/cancel"
	"github.com/runningwild/expbench/pkg/config"
	"github.com/runningwild/expbench/pkg/stats"
)

// Engine executes benchmark runs synchronously. It is safe for concurrent use,
// but callers that need the one-run-at-a-time guarantee should go through
// bench.Controller.
type Engine struct {
	logger  *slog.Logger
	single  Launcher
	process Launcher
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithProcessLauncher replaces the launcher used for process isolation.
func WithProcessLauncher(l Launcher) Option {
	return func(e *Engine) { e.process = l }
}

func New(opts ...Option) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	e.single = GoroutineLauncher{Logger: e.logger}
	if e.process == nil {
		e.process = &ProcessLauncher{Args: []string{"worker"}, Logger: e.logger}
	}
	return e
}

// Run executes one run and blocks until it ends.
//
// Cancelling ctx is the external stop signal: it is relayed into the run's
// token, the loops stop at their next check, and the result carries
// Status Cancelled. ops, if non-nil, receives live completed-unit counts.
func (e *Engine) Run(ctx context.Context, p Params, ops *atomic.Uint64) (*Result, error) {
	p, err := p.normalize()
	if err != nil {
		return nil, err
	}
	if ops == nil {
		ops = new(atomic.Uint64)
	}

	var launcher Launcher
	width := 1
	if p.Mode == Multi {
		width = p.Workers
		if width == 0 {
			width = Parallelism()
		}
		launcher = GoroutineLauncher{Logger: e.logger}
		if p.Isolation == config.IsolationProcess {
			launcher = e.process
		}
	}

	var tok cancel.Token = cancel.NewFlag()
	if launcher != nil {
		if tok, err = launcher.NewToken(); err != nil {
			return nil, fmt.Errorf("%w: creating cancel token: %v", ErrStartup, err)
		}
	}
	if c, ok := tok.(io.Closer); ok {
		defer c.Close()
	}

	relay := context.AfterFunc(ctx, tok.Set)

	e.logger.Info("run starting", "mode", p.Mode, "workers", width, "isolation", p.Isolation,
		"duration", p.Duration, "batch_size", p.BatchSize)

	start := time.Now()
	rec := stats.NewRecorder()
	monitorDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.monitor(p, start, ops, rec, monitorDone)
	}()
	stopMonitor := func() {
		close(monitorDone)
		wg.Wait()
	}

	res := &Result{Mode: p.Mode, Workers: width, BatchSize: p.BatchSize}
	switch p.Mode {
	case Single:
		// One extra execution context, never the caller's own thread.
		w, err := e.single.Start(WorkerSpec{
			Start:      PartitionStart(0),
			BatchSize:  p.BatchSize,
			Duration:   p.Duration,
			CheckEvery: p.CheckEvery,
			Pin:        p.Pin,
		}, tok, ops)
		if err != nil {
			e.logger.Error("worker failed to start", "worker", 0, "error", err)
			relay()
			stopMonitor()
			return nil, fmt.Errorf("%w: worker 0: %v", ErrStartup, err)
		}
		n, err := w.Wait()
		if err != nil {
			e.logger.Warn("worker failed", "worker", 0, "error", err)
			res.FailedWorkers = 1
		}
		res.Iterations = n
		res.PerWorker = []uint64{n}
	case Multi:
		specs := make([]WorkerSpec, width)
		for i := range specs {
			specs[i] = WorkerSpec{
				Index:            i,
				Start:            PartitionStart(i),
				BatchSize:        p.BatchSize,
				Duration:         p.Duration,
				CheckEvery:       p.CheckEvery,
				Pin:              p.Pin,
				ProgressInterval: p.ProgressInterval,
			}
		}
		pr, err := NewPool(launcher, p.Grace, e.logger).Run(ctx, specs, tok, ops)
		if err != nil {
			relay()
			stopMonitor()
			return nil, err
		}
		res.Iterations = pr.Total
		res.PerWorker = pr.PerWorker
		res.FailedWorkers = pr.Failed
	default:
		relay()
		stopMonitor()
		return nil, fmt.Errorf("unknown mode: %v", p.Mode)
	}
	res.Elapsed = time.Since(start)

	// relay reports false once the stop signal has already been relayed.
	if !relay() {
		res.Status = Cancelled
	}
	stopMonitor()
	res.Stability = rec.Summary()

	e.logger.Info("run finished", "mode", p.Mode, "status", res.Status, "iterations", res.Iterations,
		"elapsed", res.Elapsed, "rate", res.Rate(), "failed_workers", res.FailedWorkers)
	return res, nil
}

// monitor samples the live counter every ProgressInterval, records the
// interval rate and feeds the Progress callback.
func (e *Engine) monitor(p Params, start time.Time, ops *atomic.Uint64, rec *stats.Recorder, done <-chan struct{}) {
	ticker := time.NewTicker(p.ProgressInterval)
	defer ticker.Stop()

	lastOps := ops.Load()
	lastTime := start
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			currOps := ops.Load()
			rec.Record(currOps-lastOps, now.Sub(lastTime).Seconds())
			lastOps = currOps
			lastTime = now

			if p.Progress != nil {
				elapsed := now.Sub(start)
				p.Progress(Result{
					Mode:       p.Mode,
					Iterations: currOps,
					Elapsed:    elapsed,
					BatchSize:  p.BatchSize,
				})
			}
		}
	}
}
