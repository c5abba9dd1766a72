package cluster

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/runningwild/expbench/pkg/agent"
	"github.com/runningwild/expbench/pkg/bench"
	"github.com/runningwild/expbench/pkg/engine"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// tickRunner adds perTick iterations every millisecond until stopped.
type tickRunner struct {
	duration time.Duration
	perTick  uint64
}

func (r tickRunner) Run(ctx context.Context, p engine.Params, ops *atomic.Uint64) (*engine.Result, error) {
	start := time.Now()
	res := &engine.Result{Mode: p.Mode, Workers: 2, BatchSize: p.BatchSize}
	deadline := time.After(r.duration)
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			res.Status = engine.Cancelled
		case <-deadline:
		case <-tick.C:
			ops.Add(r.perTick)
			continue
		}
		res.Iterations = ops.Load()
		res.PerWorker = []uint64{res.Iterations / 2, res.Iterations - res.Iterations/2}
		res.Elapsed = time.Since(start)
		return res, nil
	}
}

func startAgent(t *testing.T, r bench.Runner) (string, *bench.Controller) {
	t.Helper()
	ctrl := bench.New(r, engine.Params{Duration: time.Second, BatchSize: 1000}, bench.WithLogger(quietLogger))
	ts := httptest.NewServer(agent.NewServer(ctrl, quietLogger).Handler())
	t.Cleanup(ts.Close)
	return ts.Listener.Addr().String(), ctrl
}

func TestClusterRunAggregates(t *testing.T) {
	a, _ := startAgent(t, tickRunner{duration: 50 * time.Millisecond, perTick: 1})
	b, _ := startAgent(t, tickRunner{duration: 120 * time.Millisecond, perTick: 10})
	c := New([]string{a, b}, 5*time.Second, quietLogger)

	res, err := c.Run(context.Background(), engine.Multi)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Mode != engine.Multi || res.Status != engine.Completed {
		t.Errorf("got %v/%v, want multi/completed", res.Mode, res.Status)
	}
	if res.Workers != 4 || len(res.PerWorker) != 4 {
		t.Errorf("Workers = %d (%d counts), want 4", res.Workers, len(res.PerWorker))
	}
	var sum uint64
	for _, n := range res.PerWorker {
		sum += n
	}
	if sum != res.Iterations || res.Iterations == 0 {
		t.Errorf("Iterations = %d, per-worker sum %d", res.Iterations, sum)
	}
	if res.Elapsed < 120*time.Millisecond {
		t.Errorf("Elapsed = %v, want the slowest node's duration", res.Elapsed)
	}
	if res.BatchSize != 1000 {
		t.Errorf("BatchSize = %d, want 1000", res.BatchSize)
	}
}

func TestClusterCancelPropagates(t *testing.T) {
	a, ctrlA := startAgent(t, tickRunner{duration: 10 * time.Second, perTick: 1})
	b, ctrlB := startAgent(t, tickRunner{duration: 10 * time.Second, perTick: 1})
	c := New([]string{a, b}, 5*time.Second, quietLogger)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	res, err := c.Run(ctx, engine.Single)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != engine.Cancelled {
		t.Errorf("Status = %v, want cancelled", res.Status)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Errorf("cancelled cluster run took %v", took)
	}
	if ctrlA.Busy() || ctrlB.Busy() {
		t.Error("agents should be idle after their results were collected")
	}
}

func TestClusterNodeBusy(t *testing.T) {
	a, _ := startAgent(t, tickRunner{duration: 10 * time.Second, perTick: 1})
	b, ctrlB := startAgent(t, tickRunner{duration: 10 * time.Second, perTick: 1})

	// Occupy node b so the cluster start is rejected there.
	occupied, err := ctrlB.StartRun(engine.Single)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		occupied.Cancel()
		occupied.Wait()
	}()

	c := New([]string{a, b}, 5*time.Second, quietLogger)
	_, err = c.Run(context.Background(), engine.Multi)
	if err == nil {
		t.Fatal("expected an error from the busy node")
	}
	if !strings.Contains(err.Error(), b) || !strings.Contains(err.Error(), "409") {
		t.Errorf("error %q should name the busy node and the conflict", err)
	}
}

func TestClusterProgress(t *testing.T) {
	a, ctrlA := startAgent(t, tickRunner{duration: 10 * time.Second, perTick: 1})
	b, ctrlB := startAgent(t, tickRunner{duration: 10 * time.Second, perTick: 1})
	c := New([]string{a, b}, 5*time.Second, quietLogger)

	if _, err := c.Progress(context.Background()); err == nil {
		t.Error("expected an error with no runs in progress")
	}

	runs := make([]*bench.Run, 0, 2)
	for _, ctrl := range []*bench.Controller{ctrlA, ctrlB} {
		run, err := ctrl.StartRun(engine.Multi)
		if err != nil {
			t.Fatal(err)
		}
		runs = append(runs, run)
	}
	defer func() {
		for _, run := range runs {
			run.Cancel()
			run.Wait()
		}
	}()

	time.Sleep(30 * time.Millisecond)
	p, err := c.Progress(context.Background())
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if !p.Running || p.Iterations == 0 || p.Elapsed == 0 {
		t.Errorf("unexpected progress %+v", p)
	}
}

func TestClusterUnreachableNode(t *testing.T) {
	a, ctrlA := startAgent(t, tickRunner{duration: 10 * time.Second, perTick: 1})
	dead := httptest.NewServer(nil)
	addr := dead.Listener.Addr().String()
	dead.Close()

	c := New([]string{a, addr}, 5*time.Second, quietLogger)
	_, err := c.Run(context.Background(), engine.Single)
	if err == nil {
		t.Fatal("expected an error for the unreachable node")
	}
	var opErr interface{ Timeout() bool }
	if errors.As(err, &opErr) && opErr.Timeout() {
		t.Errorf("expected a connection error, got timeout %v", err)
	}

	// The healthy node must have been cancelled and drained.
	deadline := time.Now().Add(2 * time.Second)
	for ctrlA.Busy() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ctrlA.Busy() {
		t.Error("healthy node still busy after the cluster run failed")
	}
}
