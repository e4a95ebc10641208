package aggregator

import "math"

// consensus groups sorted samples into bands of width tol and returns the
// mean of the largest band with the share of samples it holds. Equal sized
// bands resolve to the lowest one.
func consensus(samples []sample, tol float64) (value, agreement float64) {
	type band struct {
		key   float64
		start int
		count int
	}

	var best, cur band
	for i, s := range samples {
		key := math.Round(s.value / tol)
		if math.IsInf(key, 0) {
			// beyond float range each value is its own band
			key = s.value
		}
		if i == 0 || key != cur.key {
			cur = band{key: key, start: i}
		}
		cur.count++
		if cur.count > best.count {
			best = cur
		}
	}

	var sum float64
	for _, s := range samples[best.start : best.start+best.count] {
		sum += s.value
	}
	return sum / float64(best.count), float64(best.count) / float64(len(samples))
}

// ensemble blends the plain mean with an accuracy weighted mean. The blend
// factor is the mean accuracy of the contributing sources, so a set of
// reliable sources leans on the weighted mean. Sources without history get
// the average known accuracy. With no history at all it is the plain mean.
func ensemble(samples []sample, mean float64, accuracy map[string]float64) float64 {
	if len(accuracy) == 0 {
		return mean
	}

	var known float64
	var n int
	for _, s := range samples {
		if a, ok := accuracy[s.source]; ok {
			known += clamp01(a)
			n++
		}
	}
	if n == 0 {
		return mean
	}
	fallback := known / float64(n)

	weighted := make([]sample, len(samples))
	var blend float64
	for i, s := range samples {
		a, ok := accuracy[s.source]
		if ok {
			a = clamp01(a)
		} else {
			a = fallback
		}
		weighted[i] = sample{value: s.value, weight: a, source: s.source}
		blend += a
	}
	blend /= float64(len(samples))

	wm, ok := weightedMean(weighted)
	if !ok {
		return mean
	}
	return blend*wm + (1-blend)*mean
}
