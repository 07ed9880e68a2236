package gpu

import (
	"fmt"
)

// Fitting policies.
const (
	BestFitPolicy  = "best"
	WorstFitPolicy = "worst"
)

// FitFunction scores how well an environment with the given GPU capacity suits a request.
// Higher is better.
type FitFunction func(required int, c *candidate) float64

// Hard Constraints

func gpusSatisfied(required int, c *candidate) bool {
	return required <= len(c.free)
}

// Soft Constraints

// BestFit returns a float affinity score between 0 and 1 for the affinity between the trial and
// the environment. It packs trials onto the environment that is left with the fewest free GPUs,
// keeping whole environments free for larger requests.
func BestFit(required int, c *candidate) float64 {
	return 1.0 / (1.0 + float64(len(c.free)-required))
}

// WorstFit returns a float affinity score between 0 and 1 for the affinity between the trial and
// the environment. It spreads trials onto the least utilized environment.
func WorstFit(_ int, c *candidate) float64 {
	if len(c.inventory) == 0 {
		return 0.0
	}
	return float64(len(c.free)) / float64(len(c.inventory))
}

// MakeFitFunction returns the corresponding fitting function.
func MakeFitFunction(fittingPolicy string) FitFunction {
	switch fittingPolicy {
	case WorstFitPolicy:
		return WorstFit
	case BestFitPolicy:
		return BestFit
	default:
		panic(fmt.Sprintf("invalid gpu fitting policy: %s", fittingPolicy))
	}
}

// ValidFittingPolicies lists the accepted policy names.
func ValidFittingPolicies() []interface{} {
	return []interface{}{BestFitPolicy, WorstFitPolicy}
}
