package stats

import (
	"math"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// Rates are tracked in milli-iterations per second so that slow batches
	// (a few iterations per sample) keep a usable resolution.
	scale = 1000

	lowestRate  = 1
	highestRate = 1e13 // 10^10 it/s
	sigFigs     = 3
)

// Summary describes the distribution of throughput samples taken during a run.
// All rates are iterations per second.
type Summary struct {
	Samples   int64   `json:"samples"`
	Min       float64 `json:"min"`
	Mean      float64 `json:"mean"`
	P50       float64 `json:"p50"`
	P99       float64 `json:"p99"`
	Max       float64 `json:"max"`
	RelStdErr float64 `json:"rel_std_err"` // stdErr/mean, 0 when undefined
}

// Recorder collects per-interval throughput samples.
// It is not safe for concurrent use; the engine's monitor loop owns it.
type Recorder struct {
	hist *hdrhistogram.Histogram
}

func NewRecorder() *Recorder {
	return &Recorder{
		hist: hdrhistogram.New(lowestRate, highestRate, sigFigs),
	}
}

// Record adds one sample: ops completed over seconds of wall time.
func (r *Recorder) Record(ops uint64, seconds float64) {
	if seconds <= 0 {
		return
	}
	v := int64(math.Round(float64(ops) / seconds * scale))
	if v > highestRate {
		v = highestRate
	}
	// Out of range values are clamped above, so the error is unreachable.
	_ = r.hist.RecordValue(v)
}

// Summary returns the current distribution. An empty recorder yields a zero Summary.
func (r *Recorder) Summary() Summary {
	n := r.hist.TotalCount()
	if n == 0 {
		return Summary{}
	}
	mean := r.hist.Mean() / scale
	s := Summary{
		Samples: n,
		Min:     float64(r.hist.Min()) / scale,
		Mean:    mean,
		P50:     float64(r.hist.ValueAtQuantile(50)) / scale,
		P99:     float64(r.hist.ValueAtQuantile(99)) / scale,
		Max:     float64(r.hist.Max()) / scale,
	}
	if mean > 0 {
		stdErr := r.hist.StdDev() / scale / math.Sqrt(float64(n))
		s.RelStdErr = stdErr / mean
	}
	return s
}
