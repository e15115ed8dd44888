package aggregate

import (
	"strconv"
	"strings"
	"unicode"
)

// ParseHotness reads the leading number of a platform hot value and applies a
// unit suffix: 万 and w (1e4), 亿 (1e8), k (1e3), m (1e6). Thousands separators
// are ignored. Unparseable values count as zero.
func ParseHotness(raw string) float64 {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	s = strings.ReplaceAll(s, "，", "")
	runes := []rune(s)
	start := -1
	for i, r := range runes {
		if isASCIIDigit(r) {
			start = i
			break
		}
	}
	if start < 0 {
		return 0
	}
	end := start
	for end < len(runes) && (isASCIIDigit(runes[end]) || runes[end] == '.') {
		end++
	}
	value, err := strconv.ParseFloat(string(runes[start:end]), 64)
	if err != nil {
		return 0
	}
	for end < len(runes) && unicode.IsSpace(runes[end]) {
		end++
	}
	if end < len(runes) {
		switch runes[end] {
		case '万', 'w', 'W':
			value *= 1e4
		case '亿':
			value *= 1e8
		case 'k', 'K':
			value *= 1e3
		case 'm', 'M':
			value *= 1e6
		}
	}
	return value
}

func isASCIIDigit(r rune) bool { return r >= '0' && r <= '9' }

// Combiner folds member scores into a topic score. Implementations must be
// monotonic: raising any input never lowers the result.
type Combiner func(scores []float64) float64

// Sum adds member scores.
func Sum(scores []float64) float64 {
	total := 0.0
	for _, s := range scores {
		total += s
	}
	return total
}

// WeightedMax returns max + weight*(sum-max). weight is clamped to [0, 1].
func WeightedMax(weight float64) Combiner {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	return func(scores []float64) float64 {
		if len(scores) == 0 {
			return 0
		}
		best := scores[0]
		for _, s := range scores[1:] {
			if s > best {
				best = s
			}
		}
		return best + weight*(Sum(scores)-best)
	}
}
