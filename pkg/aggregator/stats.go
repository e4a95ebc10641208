package aggregator

import (
	"math"
	"sort"
)

// sample is one result's value for one metric.
type sample struct {
	value  float64
	weight float64
	source string
}

// sortSamples puts samples in a canonical order so every sum below is
// computed the same way no matter how the input was ordered.
func sortSamples(s []sample) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].value != s[j].value {
			return s[i].value < s[j].value
		}
		if s[i].weight != s[j].weight {
			return s[i].weight < s[j].weight
		}
		return s[i].source < s[j].source
	})
}

type moments struct {
	mean     float64
	variance float64 // population
	min      float64
	max      float64
	median   float64
}

// describe expects sorted, non-empty samples.
func describe(s []sample) moments {
	n := float64(len(s))
	var sum float64
	for _, x := range s {
		sum += x.value
	}
	mean := sum / n

	var sq float64
	for _, x := range s {
		d := x.value - mean
		sq += d * d
	}

	mid := len(s) / 2
	median := s[mid].value
	if len(s)%2 == 0 {
		median = (s[mid-1].value + s[mid].value) / 2
	}

	return moments{
		mean:     mean,
		variance: sq / n,
		min:      s[0].value,
		max:      s[len(s)-1].value,
		median:   median,
	}
}

// weightedMean returns sum(w*v)/sum(w), and false when the weights sum to zero.
func weightedMean(s []sample) (float64, bool) {
	var num, den float64
	for _, x := range s {
		num += x.weight * x.value
		den += x.weight
	}
	if den <= 0 {
		return 0, false
	}
	return num / den, true
}

// normalizedDispersion is stddev / (|mean| + eps).
func normalizedDispersion(m moments, eps float64) float64 {
	return math.Sqrt(m.variance) / (math.Abs(m.mean) + eps)
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return 0
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
