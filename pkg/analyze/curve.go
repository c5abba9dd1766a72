// Package analyze locates transitions in throughput-versus-workers curves.
package analyze

import (
	"math"
	"slices"
)

// Point is one measurement: X is the load (workers), Y the throughput.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FindKnee implements the Kneedle algorithm: after normalizing both axes to
// [0, 1] the knee is the point furthest above the diagonal. It assumes a
// concave curve (rising, then flattening). points is sorted in place.
func FindKnee(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	slices.SortFunc(points, func(a, b Point) int {
		switch {
		case a.X < b.X:
			return -1
		case a.X > b.X:
			return 1
		}
		return 0
	})
	last := points[len(points)-1]
	if len(points) < 3 {
		return last
	}

	minX, maxX := points[0].X, last.X
	minY, maxY := points[0].Y, points[0].Y
	for _, p := range points {
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}
	if maxX == minX || maxY == minY {
		return last
	}

	best := math.Inf(-1)
	var knee Point
	for _, p := range points {
		d := (p.Y-minY)/(maxY-minY) - (p.X-minX)/(maxX-minX)
		if d > best {
			best = d
			knee = p
		}
	}
	return knee
}

// Confidence is the share of steps along X where Y did not drop, in [0, 1].
// Noisy or thermally throttled sweeps score low.
func Confidence(points []Point) float64 {
	if len(points) < 3 {
		return 0
	}
	drops := 0
	for i := 1; i < len(points); i++ {
		if points[i].Y < points[i-1].Y {
			drops++
		}
	}
	return math.Max(0, 1-float64(drops)/float64(len(points)))
}

// Efficiency returns Y/X at each point relative to Y/X at the first point:
// 1.0 means perfectly linear scaling.
func Efficiency(points []Point) []float64 {
	out := make([]float64, len(points))
	if len(points) == 0 || points[0].X == 0 || points[0].Y == 0 {
		return out
	}
	base := points[0].Y / points[0].X
	for i, p := range points {
		if p.X > 0 {
			out[i] = p.Y / p.X / base
		}
	}
	return out
}

// Detector finds where scaling stops being linear and where it stops entirely.
type Detector struct {
	LinearThreshold float64 // Slope fraction that marks the linear limit (e.g. 0.5)
	SatThreshold    float64 // Slope fraction that marks saturation (e.g. 0.05)
}

type Analysis struct {
	LinearLimit Point `json:"linear_limit"`
	Saturation  Point `json:"saturation"`
}

// Analyze walks sorted points comparing each segment's slope with the first
// segment's. A zero Point in the result means the transition was not seen.
func (d Detector) Analyze(points []Point) Analysis {
	var a Analysis
	if len(points) < 3 {
		return a
	}
	slope := func(i int) float64 {
		return (points[i].Y - points[i-1].Y) / (points[i].X - points[i-1].X)
	}
	initial := slope(1)
	linearSeen, satSeen := false, false
	for i := 2; i < len(points); i++ {
		cur := slope(i)
		if !linearSeen && cur < initial*d.LinearThreshold {
			a.LinearLimit = points[i-1]
			linearSeen = true
		}
		// Average two segments so one noisy step does not end the curve.
		smoothed := (cur + slope(i-1)) / 2
		if !satSeen && smoothed < initial*d.SatThreshold {
			a.Saturation = points[i-1]
			satSeen = true
		}
	}
	return a
}
