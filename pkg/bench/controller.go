// Package bench is the externally callable entry point for benchmark runs.
//
// A Controller owns at most one run at a time. StartRun returns immediately;
// the run executes on its own goroutines and is observed through the returned
// Run handle.
package bench

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runningwild/expbench/pkg/engine"
)

var (
	// ErrAlreadyRunning is returned by StartRun while a run is in progress.
	ErrAlreadyRunning = errors.New("benchmark already running")

	// ErrResultPending is returned by StartRun when the previous run has
	// finished but its result has not been consumed.
	ErrResultPending = errors.New("previous result not consumed")
)

// Runner executes one run synchronously. *engine.Engine implements it.
type Runner interface {
	Run(ctx context.Context, p engine.Params, ops *atomic.Uint64) (*engine.Result, error)
}

type state int

const (
	idle state = iota
	running
	finished
)

func (s state) String() string {
	switch s {
	case idle:
		return "idle"
	case running:
		return "running"
	case finished:
		return "finished"
	}
	return "unknown"
}

type Controller struct {
	runner     Runner
	params     engine.Params
	logger     *slog.Logger
	onComplete func(engine.Result, error)

	mu      sync.Mutex
	state   state
	current *Run
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithOnComplete registers a callback that receives every run's outcome
// exactly once. Delivery consumes the result, so the controller is idle again
// before fn is called.
func WithOnComplete(fn func(engine.Result, error)) Option {
	return func(c *Controller) { c.onComplete = fn }
}

// New returns an idle controller. params is the template for every run;
// its Mode is replaced by the mode passed to StartRun.
func New(r Runner, params engine.Params, opts ...Option) *Controller {
	c := &Controller{runner: r, params: params, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StartRun begins a run in the given mode and returns without waiting for it.
func (c *Controller) StartRun(mode engine.Mode) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case running:
		c.logger.Debug("run rejected", "mode", mode, "state", c.state)
		return nil, ErrAlreadyRunning
	case finished:
		c.logger.Debug("run rejected", "mode", mode, "state", c.state)
		return nil, ErrResultPending
	}

	ctx, stop := context.WithCancel(context.Background())
	r := &Run{
		ctrl:  c,
		mode:  mode,
		stop:  stop,
		start: time.Now(),
		done:  make(chan struct{}),
	}
	c.state = running
	c.current = r

	p := c.params
	p.Mode = mode
	go r.execute(ctx, p)
	return r, nil
}

// Current returns the run that has not been consumed yet, or nil when idle.
func (c *Controller) Current() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Busy reports whether StartRun would be rejected.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != idle
}

// finish leaves the running state before closing r.done, so a caller woken
// by Done or Wait always finds the run in finished (or already idle).
func (c *Controller) finish(r *Run) {
	c.mu.Lock()
	c.state = finished
	deliver := c.onComplete
	if deliver != nil {
		c.state = idle
		c.current = nil
	}
	c.mu.Unlock()
	close(r.done)

	if r.err != nil {
		c.logger.Error("run failed", "mode", r.mode, "error", r.err)
	}
	if deliver != nil {
		deliver(r.result(), r.err)
	}
}

func (c *Controller) consume(r *Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == r {
		c.state = idle
		c.current = nil
	}
}

// Progress is a point-in-time view of a run.
type Progress struct {
	Elapsed    time.Duration `json:"elapsed"`
	Running    bool          `json:"running"`
	Iterations uint64        `json:"iterations"`
}

// Run is the handle for one started run.
type Run struct {
	ctrl  *Controller
	mode  engine.Mode
	stop  context.CancelFunc
	start time.Time
	ops   atomic.Uint64

	done chan struct{}
	res  *engine.Result
	err  error
	end  time.Time
}

func (r *Run) execute(ctx context.Context, p engine.Params) {
	defer r.stop()
	r.res, r.err = r.ctrl.runner.Run(ctx, p, &r.ops)
	r.end = time.Now()
	r.ctrl.finish(r)
}

func (r *Run) Mode() engine.Mode { return r.mode }

// Cancel requests early termination. It is idempotent and does nothing once
// the run has finished.
func (r *Run) Cancel() {
	select {
	case <-r.done:
	default:
		r.stop()
	}
}

// Progress never blocks.
func (r *Run) Progress() Progress {
	select {
	case <-r.done:
		p := Progress{Elapsed: r.end.Sub(r.start)}
		if r.res != nil {
			p.Elapsed = r.res.Elapsed
			p.Iterations = r.res.Iterations
		}
		return p
	default:
		return Progress{
			Elapsed:    time.Since(r.start),
			Running:    true,
			Iterations: r.ops.Load(),
		}
	}
}

// Done is closed when the run leaves the running state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run ends and consumes its result, returning the
// controller to idle. A run that failed to start returns an error wrapping
// engine.ErrStartup.
func (r *Run) Wait() (engine.Result, error) {
	<-r.done
	r.ctrl.consume(r)
	return r.result(), r.err
}

func (r *Run) result() engine.Result {
	if r.res == nil {
		return engine.Result{Mode: r.mode}
	}
	return *r.res
}
