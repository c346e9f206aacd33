package grid

import (
	"errors"
	"grid-trading-engine/internal/models"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelsArithmetic(t *testing.T) {
	levels, err := Levels(47, 53, 4, models.Arithmetic)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{47, 49, 51, 53}, levels, 1e-9)
}

func TestLevelsGeometric(t *testing.T) {
	levels, err := Levels(1, 8, 4, models.Geometric)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 2, 4, 8}, levels, 1e-9)
}

func TestLevelsEndpointsAndOrdering(t *testing.T) {
	cases := []struct {
		lower, upper float64
		n            int
		mode         models.GridMode
	}{
		{90, 110, 5, models.Arithmetic},
		{0.0001, 0.0003, 17, models.Geometric},
		{25000, 72000, 40, models.Geometric},
		{1.1, 1.2, 2, models.Arithmetic},
		{3, 1000, 101, models.Arithmetic},
	}
	for _, tc := range cases {
		levels, err := Levels(tc.lower, tc.upper, tc.n, tc.mode)
		require.NoError(t, err)
		require.Len(t, levels, tc.n)
		assert.Equal(t, tc.lower, levels[0])
		assert.Equal(t, tc.upper, levels[tc.n-1])
		for i := 1; i < len(levels); i++ {
			assert.Greater(t, levels[i], levels[i-1], "levels must be strictly ascending")
		}
	}
}

func TestLevelsRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name         string
		lower, upper float64
		n            int
		mode         models.GridMode
	}{
		{"single level", 90, 110, 1, models.Arithmetic},
		{"inverted range", 110, 90, 5, models.Arithmetic},
		{"zero lower", 0, 90, 5, models.Geometric},
		{"flat range", 100, 100, 5, models.Arithmetic},
		{"unknown mode", 90, 110, 5, "fibonacci"},
		{"nan lower", math.NaN(), 110, 5, models.Arithmetic},
		{"nan upper", 90, math.NaN(), 5, models.Geometric},
		{"infinite upper", 90, math.Inf(1), 5, models.Arithmetic},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Levels(tc.lower, tc.upper, tc.n, tc.mode)
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrConfiguration))
		})
	}
}

func TestForStrategyUsesDerivedRange(t *testing.T) {
	s := &models.Strategy{
		ID:            "s1",
		Configuration: models.StrategyConfig{NumberOfGrids: 3, GridMode: models.Arithmetic},
	}
	_, err := ForStrategy(s)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	lower, upper := DeriveRange(100, 0.2)
	s.Telemetry = models.Telemetry{
		models.TelemetryDerivedRangeLower: lower,
		models.TelemetryDerivedRangeUpper: upper,
	}
	levels, err := ForStrategy(s)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{80, 100, 120}, levels, 1e-9)

	// configured range wins over the derived one
	s.Configuration.PriceRangeLower = 90
	s.Configuration.PriceRangeUpper = 110
	levels, err = ForStrategy(s)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{90, 100, 110}, levels, 1e-9)
}

func TestQuantityAndHelpers(t *testing.T) {
	assert.InDelta(t, 2.0, QuantityAt(1000, 5, 100), 1e-12)
	assert.Zero(t, QuantityAt(1000, 0, 100))
	assert.Zero(t, QuantityAt(1000, 5, 0))

	levels := []float64{90, 95, 100, 105, 110}
	assert.True(t, InRange(levels, 100))
	assert.False(t, InRange(levels, 111))
	assert.Equal(t, 2, CountAbove(levels, 100))
	assert.Equal(t, 5, CountAbove(levels, 80))

	assert.Equal(t, []int{2, 1, 3, 0, 4}, NearestFirst([]int{0, 1, 2, 3, 4}, levels, 100))
}
