package analyze

import (
	"math"
	"testing"
)

func TestDriftSteady(t *testing.T) {
	var points []Point
	for i := range 50 {
		points = append(points, Point{X: float64(i) * 0.1, Y: 1000})
	}
	// Warm-up sample far below the steady rate.
	points[0].Y = 200

	fit := Drift(points, 0.05)
	if math.Abs(fit.Slope) > 1e-6 {
		t.Errorf("Slope = %v, want 0", fit.Slope)
	}
	if math.Abs(fit.Intercept-1000) > 1e-6 {
		t.Errorf("Intercept = %v, want 1000", fit.Intercept)
	}
	if fit.Inliers != 49 {
		t.Errorf("Inliers = %d, want 49 (warm-up excluded)", fit.Inliers)
	}
}

func TestDriftThrottling(t *testing.T) {
	// 1000 it/s falling by 2% of the starting rate per second.
	var points []Point
	for i := range 100 {
		x := float64(i) * 0.1
		points = append(points, Point{X: x, Y: 1000 - 20*x})
	}
	fit := Drift(points, 0.01)
	if got := fit.RelativeSlope(); math.Abs(got+0.02) > 1e-6 {
		t.Errorf("RelativeSlope = %v, want -0.02", got)
	}
	if fit.Coverage != 1 {
		t.Errorf("Coverage = %v, want 1", fit.Coverage)
	}
}

func TestDriftTooFewPoints(t *testing.T) {
	if fit := Drift([]Point{{1, 1}}, 0.05); fit != (Fit{}) {
		t.Errorf("expected zero fit, got %+v", fit)
	}
	if (Fit{}).RelativeSlope() != 0 {
		t.Error("zero fit should have zero relative slope")
	}
}
