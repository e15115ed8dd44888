package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHotness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want float64
	}{
		{raw: "1,234,567", want: 1234567},
		{raw: "12万", want: 120000},
		{raw: "3.5亿", want: 350000000},
		{raw: "热度 12.5 万", want: 125000},
		{raw: "8k", want: 8000},
		{raw: "42", want: 42},
		{raw: "", want: 0},
		{raw: "n/a", want: 0},
		{raw: "١٢ 42", want: 42},
		{raw: "１２ 8k", want: 8000},
		{raw: "٣٤٥", want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, ParseHotness(tt.raw), 0.001)
		})
	}
}

func TestCombinersAreMonotonic(t *testing.T) {
	t.Parallel()

	base := []float64{10, 20, 30}
	raised := []float64{10, 25, 30}

	assert.InDelta(t, 60, Sum(base), 0.001)
	assert.GreaterOrEqual(t, Sum(raised), Sum(base))

	wm := WeightedMax(0.5)
	assert.InDelta(t, 45, wm(base), 0.001)
	assert.GreaterOrEqual(t, wm(raised), wm(base))
	assert.Zero(t, wm(nil))

	assert.InDelta(t, 30, WeightedMax(-1)(base), 0.001)
	assert.InDelta(t, 60, WeightedMax(2)(base), 0.001)
}
