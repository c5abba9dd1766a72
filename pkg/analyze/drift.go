package analyze

import (
	"math"
	"math/rand/v2"
)

// Fit is a straight line through the dominant region of a series.
type Fit struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	Coverage  float64 `json:"coverage"` // Share of points within tolerance of the line
	Inliers   int     `json:"inliers"`
}

// RelativeSlope is the slope as a fraction of the fitted value at x=0,
// e.g. -0.01 means throughput falls by 1% of its starting value per unit X.
func (f Fit) RelativeSlope() float64 {
	if f.Intercept == 0 {
		return 0
	}
	return f.Slope / f.Intercept
}

const ransacRounds = 500

// Drift fits a line to a throughput-over-time series with RANSAC, ignoring
// outliers such as the warm-up sample or a scheduler hiccup, then refines the
// inliers with least squares. tolerance is the relative error that still
// counts as on the line (0.05 for 5%).
func Drift(points []Point, tolerance float64) Fit {
	n := len(points)
	if n < 2 {
		return Fit{}
	}

	var best []Point
	for range ransacRounds {
		a, b := points[rand.IntN(n)], points[rand.IntN(n)]
		if math.Abs(b.X-a.X) < 1e-9 {
			continue
		}
		m := (b.Y - a.Y) / (b.X - a.X)
		c := a.Y - m*a.X

		var inliers []Point
		for _, p := range points {
			if relErr(m*p.X+c, p.Y) <= tolerance {
				inliers = append(inliers, p)
			}
		}
		if len(inliers) > len(best) {
			best = inliers
		}
	}
	if len(best) < 2 {
		return Fit{}
	}

	m, c := leastSquares(best)
	return Fit{
		Slope:     m,
		Intercept: c,
		Coverage:  float64(len(best)) / float64(n),
		Inliers:   len(best),
	}
}

func relErr(pred, obs float64) float64 {
	if math.Abs(obs) < 1e-9 {
		return math.Abs(pred - obs)
	}
	return math.Abs(pred-obs) / math.Abs(obs)
}

func leastSquares(points []Point) (m, c float64) {
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(points))
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
		sumXY += p.X * p.Y
		sumXX += p.X * p.X
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0, sumY / n
	}
	m = (n*sumXY - sumX*sumY) / den
	c = (sumY - m*sumX) / n
	return m, c
}
