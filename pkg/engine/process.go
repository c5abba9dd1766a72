package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runningwild/expbench/pkg/cancel"
)

// workerReport is one JSON line written by a worker process.
type workerReport struct {
	Iterations uint64 `json:"iterations"`
	Done       bool   `json:"done,omitempty"`
}

// ProcessLauncher runs each worker as a separate process of the same binary.
//
// The child receives its WorkerSpec as JSON on stdin and the shared cancel
// token as file descriptor 3, and streams workerReport lines on stdout.
// The binary must route Args to ServeWorker.
type ProcessLauncher struct {
	Path   string   // Executable; defaults to os.Executable()
	Args   []string // Arguments selecting the worker entry point
	Env    []string // Added to the parent's environment
	Logger *slog.Logger
}

func (l *ProcessLauncher) NewToken() (cancel.Token, error) {
	return cancel.NewShared()
}

func (l *ProcessLauncher) Start(spec WorkerSpec, tok cancel.Token, ops *atomic.Uint64) (Worker, error) {
	shared, ok := tok.(*cancel.Shared)
	if !ok {
		return nil, fmt.Errorf("process workers need a shared token, got %T", tok)
	}

	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		path = exe
	}

	in, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{shared.File()}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	if l.Logger != nil {
		l.Logger.Debug("worker process started", "worker", spec.Index, "pid", cmd.Process.Pid)
	}

	w := &processWorker{cmd: cmd, done: make(chan struct{})}
	go w.read(stdout, ops)
	return w, nil
}

type processWorker struct {
	cmd  *exec.Cmd
	done chan struct{}

	n     uint64
	final bool
}

func (w *processWorker) read(r io.Reader, ops *atomic.Uint64) {
	defer close(w.done)
	dec := json.NewDecoder(r)
	var last uint64
	for {
		var rep workerReport
		if err := dec.Decode(&rep); err != nil {
			// EOF or a torn line from a killed child; Wait reports the exit.
			io.Copy(io.Discard, r)
			return
		}
		if ops != nil && rep.Iterations > last {
			ops.Add(rep.Iterations - last)
			last = rep.Iterations
		}
		if rep.Done {
			w.n = rep.Iterations
			w.final = true
		}
	}
}

func (w *processWorker) Wait() (uint64, error) {
	<-w.done
	if err := w.cmd.Wait(); err != nil {
		return 0, fmt.Errorf("worker process %d: %w", w.cmd.Process.Pid, err)
	}
	if !w.final {
		return 0, fmt.Errorf("worker process %d exited without a final report", w.cmd.Process.Pid)
	}
	return w.n, nil
}

func (w *processWorker) Kill() error {
	return w.cmd.Process.Kill()
}

// ServeWorker is the body of a worker process. It reads a WorkerSpec from in,
// maps the shared token from tokFile, runs one bounded loop and writes
// progress reports to out every ProgressInterval, then a final report.
func ServeWorker(in io.Reader, out io.Writer, tokFile *os.File) error {
	var spec WorkerSpec
	if err := json.NewDecoder(in).Decode(&spec); err != nil {
		return fmt.Errorf("decoding worker spec: %w", err)
	}
	tok, err := cancel.OpenShared(tokFile)
	if err != nil {
		return err
	}
	defer tok.Close()

	interval := spec.ProgressInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	enc := json.NewEncoder(out)
	var ops atomic.Uint64
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := enc.Encode(workerReport{Iterations: ops.Load()}); err != nil {
					return
				}
			}
		}
	}()

	runtime.LockOSThread()
	if spec.Pin {
		if err := pinThread(spec.Index); err != nil {
			fmt.Fprintf(os.Stderr, "worker %d: pinning: %v\n", spec.Index, err)
		}
	}
	n := Loop(spec.loop(), tok, &ops)
	runtime.UnlockOSThread()

	close(done)
	wg.Wait()
	return enc.Encode(workerReport{Iterations: n, Done: true})
}
