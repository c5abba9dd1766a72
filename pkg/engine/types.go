package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/runningwild/expbench/pkg/config"
	"github.com/runningwild/expbench/pkg/stats"
)

var (
	// ErrStartup means a worker execution context could not be created.
	// The run is abandoned; no partial result is produced.
	ErrStartup = errors.New("worker startup failed")

	// ErrKillUnsupported is returned by Worker.Kill when the execution context
	// cannot be terminated from outside (goroutines).
	ErrKillUnsupported = errors.New("worker cannot be terminated forcibly")
)

// PartitionStride separates the starting offsets of pool workers.
const PartitionStride = 10_000_000

// PartitionStart returns the first term index for pool worker i.
func PartitionStart(i int) int64 {
	return int64(i)*PartitionStride + 1
}

// Mode selects single-context or pooled execution.
type Mode int

const (
	Single Mode = iota
	Multi
)

func (m Mode) String() string {
	switch m {
	case Single:
		return "single"
	case Multi:
		return "multi"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "single" or "multi" in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single":
		return Single, nil
	case "multi":
		return Multi, nil
	}
	return 0, fmt.Errorf("unknown mode %q (want single or multi)", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Status is the terminal state of a run.
type Status int

const (
	Completed Status = iota
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "completed":
		*s = Completed
	case "cancelled":
		*s = Cancelled
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// Result contains the metrics for a finished run.
type Result struct {
	Mode          Mode          `json:"mode"`
	Status        Status        `json:"status"`
	Iterations    uint64        `json:"iterations"`
	Elapsed       time.Duration `json:"elapsed"`
	Workers       int           `json:"workers"`
	PerWorker     []uint64      `json:"per_worker,omitempty"`
	FailedWorkers int           `json:"failed_workers,omitempty"`
	BatchSize     int           `json:"batch_size"`
	Stability     stats.Summary `json:"stability"`
}

// Rate returns iterations per second, or 0 when no time elapsed.
func (r Result) Rate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Iterations) / r.Elapsed.Seconds()
}

// Params defines one benchmark run.
type Params struct {
	Mode             Mode
	Duration         time.Duration // How long each loop runs
	BatchSize        int           // Terms per work unit
	CheckEvery       int           // Work units between cancellation checks
	Workers          int           // Multi only; 0 = Parallelism()
	Isolation        string        // config.IsolationGoroutine or config.IsolationProcess
	Pin              bool          // Pin worker threads to distinct CPUs
	Grace            time.Duration // Teardown grace before forced termination
	ProgressInterval time.Duration // Monitor sampling interval

	// Progress, if set, is called from the monitor loop with a running snapshot.
	Progress func(Result) `json:"-"`
}

// ParamsFrom builds run parameters from a loaded config.
func ParamsFrom(cfg *config.Config, mode Mode) Params {
	return Params{
		Mode:             mode,
		Duration:         cfg.Duration,
		BatchSize:        cfg.BatchSize,
		CheckEvery:       cfg.CheckEvery,
		Workers:          cfg.Workers,
		Isolation:        cfg.Isolation,
		Pin:              cfg.Pin,
		Grace:            cfg.Grace,
		ProgressInterval: cfg.ProgressInterval,
	}
}

func (p Params) normalize() (Params, error) {
	if p.Duration <= 0 {
		return p, fmt.Errorf("invalid duration: %v", p.Duration)
	}
	if p.BatchSize <= 0 {
		return p, fmt.Errorf("invalid batch size: %d", p.BatchSize)
	}
	if p.Workers < 0 {
		return p, fmt.Errorf("invalid worker count: %d", p.Workers)
	}
	if p.CheckEvery <= 0 {
		p.CheckEvery = 8
	}
	if p.Grace <= 0 {
		p.Grace = 500 * time.Millisecond
	}
	if p.ProgressInterval <= 0 {
		p.ProgressInterval = 100 * time.Millisecond
	}
	switch p.Isolation {
	case "":
		p.Isolation = config.IsolationGoroutine
	case config.IsolationGoroutine, config.IsolationProcess:
	default:
		return p, fmt.Errorf("unknown isolation %q", p.Isolation)
	}
	return p, nil
}

// WorkerSpec is everything a pool worker needs. It is fixed when the worker is
// created and crosses process boundaries as JSON.
type WorkerSpec struct {
	Index            int           `json:"index"`
	Start            int64         `json:"start"`
	BatchSize        int           `json:"batch_size"`
	Duration         time.Duration `json:"duration"`
	CheckEvery       int           `json:"check_every"`
	Pin              bool          `json:"pin"`
	ProgressInterval time.Duration `json:"progress_interval"`
}

func (s WorkerSpec) loop() LoopParams {
	return LoopParams{
		Start:      s.Start,
		BatchSize:  s.BatchSize,
		Duration:   s.Duration,
		CheckEvery: s.CheckEvery,
	}
}
