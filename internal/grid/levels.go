// Package grid computes the price ladder shared by every grid component.
package grid

import (
	"fmt"
	"grid-trading-engine/internal/models"
	"math"
	"sort"
)

// Levels returns n ascending prices between lower and upper inclusive.
func Levels(lower, upper float64, n int, mode models.GridMode) ([]float64, error) {
	if n < 2 {
		return nil, fmt.Errorf("%w: number_of_grids must be at least 2, got %d", models.ErrConfiguration, n)
	}
	if !finite(lower) || !finite(upper) || lower <= 0 || upper <= lower {
		return nil, fmt.Errorf("%w: invalid price range [%v, %v]", models.ErrConfiguration, lower, upper)
	}

	levels := make([]float64, n)
	switch mode {
	case models.Arithmetic, "":
		step := (upper - lower) / float64(n-1)
		for i := range levels {
			levels[i] = lower + float64(i)*step
		}
	case models.Geometric:
		ratio := math.Pow(upper/lower, 1/float64(n-1))
		for i := range levels {
			levels[i] = lower * math.Pow(ratio, float64(i))
		}
	default:
		return nil, fmt.Errorf("%w: unknown grid mode %q", models.ErrConfiguration, mode)
	}
	// pin both ends so rounding never moves the configured bounds
	levels[0] = lower
	levels[n-1] = upper
	return levels, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// DeriveRange builds a symmetric range around price.
func DeriveRange(price, pct float64) (float64, float64) {
	return price * (1 - pct), price * (1 + pct)
}

// ResolveRange returns the configured range, falling back to a range derived
// at initial entry and stored in telemetry.
func ResolveRange(cfg models.StrategyConfig, tel models.Telemetry) (float64, float64, bool) {
	if cfg.PriceRangeLower > 0 && cfg.PriceRangeUpper > 0 {
		return cfg.PriceRangeLower, cfg.PriceRangeUpper, true
	}
	lower := tel.Float(models.TelemetryDerivedRangeLower)
	upper := tel.Float(models.TelemetryDerivedRangeUpper)
	if lower > 0 && upper > 0 {
		return lower, upper, true
	}
	return 0, 0, false
}

// ForStrategy computes the ladder of a grid strategy.
func ForStrategy(s *models.Strategy) ([]float64, error) {
	lower, upper, ok := ResolveRange(s.Configuration, s.Telemetry)
	if !ok {
		return nil, fmt.Errorf("%w: strategy %s has no price range", models.ErrConfiguration, s.ID)
	}
	return Levels(lower, upper, s.Configuration.NumberOfGrids, s.Configuration.GridMode)
}

// QuantityAt sizes one level: capital split evenly across n levels, valued at price.
func QuantityAt(capital float64, n int, price float64) float64 {
	if n <= 0 || price <= 0 || capital <= 0 {
		return 0
	}
	return capital / float64(n) / price
}

// InRange reports whether price sits within the ladder bounds.
func InRange(levels []float64, price float64) bool {
	if len(levels) == 0 {
		return false
	}
	return price >= levels[0] && price <= levels[len(levels)-1]
}

// SameLevel treats prices within a relative epsilon as equal.
func SameLevel(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}

// CountAbove counts levels strictly above price.
func CountAbove(levels []float64, price float64) int {
	n := 0
	for _, lp := range levels {
		if lp > price && !SameLevel(lp, price) {
			n++
		}
	}
	return n
}

// NearestFirst orders level indices by distance from price, lower index first on ties.
func NearestFirst(indices []int, levels []float64, price float64) []int {
	out := append([]int(nil), indices...)
	sort.SliceStable(out, func(i, j int) bool {
		di := math.Abs(levels[out[i]] - price)
		dj := math.Abs(levels[out[j]] - price)
		if di == dj {
			return out[i] < out[j]
		}
		return di < dj
	})
	return out
}
