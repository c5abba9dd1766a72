package engine

import "math"

// ExpInverseSum returns the sum of e^-i for i in [start, start+count).
// Terms past e^-745 underflow to zero, which is expected and not an error.
func ExpInverseSum(start, count int64) float64 {
	var sum float64
	end := start + count
	for i := start; i < end; i++ {
		sum += math.Exp(-float64(i))
	}
	return sum
}
