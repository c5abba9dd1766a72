// Package sweep measures Multi-mode throughput across a range of worker
// counts and locates where scaling stops.
package sweep

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/runningwild/expbench/pkg/analyze"
	"github.com/runningwild/expbench/pkg/engine"
)

// Runner executes one run synchronously. *engine.Engine implements it.
type Runner interface {
	Run(ctx context.Context, p engine.Params, ops *atomic.Uint64) (*engine.Result, error)
}

// Range selects worker counts Min, Min+Step, ... up to Max inclusive.
type Range struct {
	Min, Max, Step int
}

func (r Range) Steps() ([]int, error) {
	step := r.Step
	if step <= 0 {
		step = 1
	}
	if r.Min < 1 || r.Max < r.Min {
		return nil, fmt.Errorf("invalid worker range [%d, %d]", r.Min, r.Max)
	}
	var out []int
	for w := r.Min; w <= r.Max; w += step {
		out = append(out, w)
	}
	return out, nil
}

type Step struct {
	Workers int           `json:"workers"`
	Result  engine.Result `json:"result"`
}

type Report struct {
	Steps      []Step           `json:"steps"`
	Knee       analyze.Point    `json:"knee"`
	Analysis   analyze.Analysis `json:"analysis"`
	Efficiency []float64        `json:"efficiency"`
	Confidence float64          `json:"confidence"`
	Cancelled  bool             `json:"cancelled,omitempty"`
}

type Sweeper struct {
	runner   Runner
	detector analyze.Detector

	// OnStep, if set, is called after each completed step.
	OnStep func(i, total int, s Step)
}

func New(r Runner) *Sweeper {
	return &Sweeper{
		runner:   r,
		detector: analyze.Detector{LinearThreshold: 0.5, SatThreshold: 0.05},
	}
}

// Run executes base in Multi mode once per worker count in r. Cancelling ctx
// stops the sweep after the current step; the report covers the steps that
// completed. A run error aborts the sweep.
func (s *Sweeper) Run(ctx context.Context, base engine.Params, r Range) (*Report, error) {
	counts, err := r.Steps()
	if err != nil {
		return nil, err
	}

	rep := &Report{}
	var points []analyze.Point
	for i, w := range counts {
		p := base
		p.Mode = engine.Multi
		p.Workers = w

		res, err := s.runner.Run(ctx, p, nil)
		if err != nil {
			return nil, fmt.Errorf("sweep step workers=%d: %w", w, err)
		}
		if res.Status == engine.Cancelled {
			rep.Cancelled = true
			break
		}

		st := Step{Workers: w, Result: *res}
		rep.Steps = append(rep.Steps, st)
		points = append(points, analyze.Point{X: float64(w), Y: res.Rate()})
		if s.OnStep != nil {
			s.OnStep(i+1, len(counts), st)
		}
	}

	rep.Efficiency = analyze.Efficiency(points)
	rep.Confidence = analyze.Confidence(points)
	rep.Analysis = s.detector.Analyze(points)
	rep.Knee = analyze.FindKnee(points)
	return rep, nil
}
