package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/runningwild/expbench/pkg/engine"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeRunner counts until ctx is cancelled or its duration expires.
type fakeRunner struct {
	duration time.Duration
	err      error
	calls    atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, p engine.Params, ops *atomic.Uint64) (*engine.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	start := time.Now()
	res := &engine.Result{Mode: p.Mode, Workers: 1, BatchSize: p.BatchSize}
	timer := time.NewTimer(f.duration)
	defer timer.Stop()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			res.Status = engine.Cancelled
			res.Iterations = ops.Load()
			res.Elapsed = time.Since(start)
			return res, nil
		case <-timer.C:
			res.Iterations = ops.Load()
			res.Elapsed = time.Since(start)
			return res, nil
		case <-ticker.C:
			ops.Add(1)
		}
	}
}

func newController(r Runner, opts ...Option) *Controller {
	opts = append([]Option{WithLogger(quietLogger)}, opts...)
	return New(r, engine.Params{Duration: time.Second, BatchSize: 100_000}, opts...)
}

func TestSingleRunCompletes(t *testing.T) {
	c := newController(engine.New(engine.WithLogger(quietLogger)))

	run, err := c.StartRun(engine.Single)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if !run.Progress().Running {
		t.Error("expected run to report running right after start")
	}

	res, err := run.Wait()
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Status != engine.Completed || res.Mode != engine.Single {
		t.Errorf("got %v/%v, want single/completed", res.Mode, res.Status)
	}
	if res.Iterations == 0 {
		t.Error("expected positive iterations")
	}
	if res.Elapsed < time.Second || res.Elapsed >= 1200*time.Millisecond {
		t.Errorf("Elapsed = %v, want [1s, 1.2s)", res.Elapsed)
	}
	if c.Busy() {
		t.Error("controller should be idle after Wait")
	}
}

func TestCancelMidRun(t *testing.T) {
	c := newController(engine.New(engine.WithLogger(quietLogger)))
	c.params.Duration = 10 * time.Second

	run, err := c.StartRun(engine.Multi)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	cancelled := time.Now()
	run.Cancel()

	res, err := run.Wait()
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if lag := time.Since(cancelled); lag > time.Second {
		t.Errorf("run took %v to stop after cancel", lag)
	}
	if res.Status != engine.Cancelled {
		t.Errorf("Status = %v, want cancelled", res.Status)
	}
}

func TestRejectConcurrentRun(t *testing.T) {
	f := &fakeRunner{duration: 200 * time.Millisecond}
	c := newController(f)

	first, err := c.StartRun(engine.Single)
	if err != nil {
		t.Fatalf("first StartRun failed: %v", err)
	}
	if _, err := c.StartRun(engine.Single); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second StartRun: got %v, want ErrAlreadyRunning", err)
	}

	res, err := first.Wait()
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if res.Status != engine.Completed {
		t.Errorf("first run Status = %v, want completed", res.Status)
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("runner called %d times, want 1", n)
	}
}

func TestResultPending(t *testing.T) {
	c := newController(&fakeRunner{duration: 10 * time.Millisecond})

	run, err := c.StartRun(engine.Single)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	<-run.Done()

	if _, err := c.StartRun(engine.Single); !errors.Is(err, ErrResultPending) {
		t.Fatalf("StartRun before consuming: got %v, want ErrResultPending", err)
	}
	if c.Current() != run {
		t.Error("Current should still hold the unconsumed run")
	}

	run.Wait()
	if c.Busy() {
		t.Fatal("controller still busy after Wait returned")
	}
	next, err := c.StartRun(engine.Multi)
	if err != nil {
		t.Fatalf("StartRun after consuming failed: %v", err)
	}
	next.Wait()
}

func TestCancelIdempotent(t *testing.T) {
	f := &fakeRunner{duration: 10 * time.Second}
	c := newController(f)

	run, err := c.StartRun(engine.Multi)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	run.Cancel()
	run.Cancel()
	res, err := run.Wait()
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Status != engine.Cancelled {
		t.Errorf("Status = %v, want cancelled", res.Status)
	}

	// Cancelling a finished run is a no-op.
	run.Cancel()
	if got := run.Progress(); got.Running {
		t.Error("finished run reports running")
	}
}

func TestCancelAfterCompletion(t *testing.T) {
	c := newController(&fakeRunner{duration: 10 * time.Millisecond})
	run, _ := c.StartRun(engine.Single)
	<-run.Done()
	run.Cancel()

	res, err := run.Wait()
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Status != engine.Completed {
		t.Errorf("Status = %v, want completed", res.Status)
	}
}

func TestProgress(t *testing.T) {
	c := newController(&fakeRunner{duration: 150 * time.Millisecond})
	run, err := c.StartRun(engine.Single)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	var last Progress
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		p := run.Progress()
		if !p.Running {
			break
		}
		if p.Elapsed < last.Elapsed || p.Iterations < last.Iterations {
			t.Fatalf("progress went backwards: %+v -> %+v", last, p)
		}
		last = p
	}
	if last.Elapsed == 0 {
		t.Error("expected non-zero elapsed while running")
	}

	res, _ := run.Wait()
	final := run.Progress()
	if final.Running {
		t.Error("expected run to be finished")
	}
	if final.Elapsed != res.Elapsed || final.Iterations != res.Iterations {
		t.Errorf("final progress %+v does not match result %+v", final, res)
	}
}

func TestOnComplete(t *testing.T) {
	var mu sync.Mutex
	var got []engine.Result
	delivered := make(chan struct{}, 4)
	c := newController(&fakeRunner{duration: 10 * time.Millisecond}, WithOnComplete(func(r engine.Result, err error) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
		delivered <- struct{}{}
	}))

	for _, mode := range []engine.Mode{engine.Single, engine.Multi} {
		if _, err := c.StartRun(mode); err != nil {
			t.Fatalf("StartRun(%v) failed: %v", mode, err)
		}
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatalf("no completion delivered for %v", mode)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Mode != engine.Single || got[1].Mode != engine.Multi {
		t.Errorf("unexpected deliveries: %+v", got)
	}
}

func TestStartupFailure(t *testing.T) {
	f := &fakeRunner{err: fmt.Errorf("%w: worker 3: too many processes", engine.ErrStartup)}
	c := newController(f)

	run, err := c.StartRun(engine.Multi)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	_, err = run.Wait()
	if !errors.Is(err, engine.ErrStartup) {
		t.Fatalf("got %v, want ErrStartup", err)
	}
	if c.Busy() {
		t.Error("controller should be idle after a failed run is consumed")
	}
}

// instantRunner returns as soon as it is called.
type instantRunner struct{}

func (instantRunner) Run(ctx context.Context, p engine.Params, ops *atomic.Uint64) (*engine.Result, error) {
	return &engine.Result{Mode: p.Mode, Iterations: 1, Elapsed: time.Microsecond}, nil
}

// TestWaitReturnsToIdle starts runs back to back with a runner that finishes
// immediately, so Wait races the controller's own completion bookkeeping.
func TestWaitReturnsToIdle(t *testing.T) {
	c := newController(instantRunner{})
	for i := 0; i < 20_000; i++ {
		run, err := c.StartRun(engine.Single)
		if err != nil {
			t.Fatalf("iteration %d: StartRun after Wait: %v", i, err)
		}
		if _, err := run.Wait(); err != nil {
			t.Fatalf("iteration %d: run failed: %v", i, err)
		}
		if c.Busy() {
			t.Fatalf("iteration %d: controller busy after Wait", i)
		}
	}
}

// TestDoneImpliesFinished checks that a run observed through Done is no
// longer running and can be consumed.
func TestDoneImpliesFinished(t *testing.T) {
	c := newController(instantRunner{})
	for i := 0; i < 20_000; i++ {
		run, err := c.StartRun(engine.Multi)
		if err != nil {
			t.Fatalf("iteration %d: StartRun: %v", i, err)
		}
		<-run.Done()
		if _, err := c.StartRun(engine.Multi); !errors.Is(err, ErrResultPending) {
			t.Fatalf("iteration %d: StartRun after Done: got %v, want ErrResultPending", i, err)
		}
		if c.Current() != run {
			t.Fatalf("iteration %d: Current lost the finished run", i)
		}
		run.Wait()
	}
}

func TestOnCompleteIdleBeforeDone(t *testing.T) {
	c := newController(instantRunner{}, WithOnComplete(func(engine.Result, error) {}))
	for i := 0; i < 20_000; i++ {
		run, err := c.StartRun(engine.Single)
		if err != nil {
			t.Fatalf("iteration %d: StartRun: %v", i, err)
		}
		<-run.Done()
		if c.Busy() {
			t.Fatalf("iteration %d: controller busy after delivered run", i)
		}
	}
}
