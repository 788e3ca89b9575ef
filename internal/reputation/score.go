package reputation

import (
	"fmt"
	"math"
)

// WeightedScore computes the recency-weighted average of the given weights.
// The slice must already be ordered most recent first; element i carries
// relative weight alpha^i, so score = Σ wᵢ·αⁱ / Σ αⁱ. Smaller alpha weights
// recent history more; alpha=1 degenerates to the arithmetic mean.
//
// An empty slice returns ok=false and no score: the caller substitutes its
// configured midpoint. There is no division by zero for any alpha in (0,1].
func WeightedScore(weights []float64, alpha float64) (score float64, ok bool, err error) {
	if alpha <= 0 || alpha > 1 {
		return 0, false, fmt.Errorf("decay alpha must be in (0,1], got %v", alpha)
	}
	if len(weights) == 0 {
		return 0, false, nil
	}
	var num, den float64
	for rank, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return 0, false, fmt.Errorf("rating weight at rank %d is not finite", rank)
		}
		decay := math.Pow(alpha, float64(rank))
		num += w * decay
		den += decay
	}
	return num / den, true, nil
}
