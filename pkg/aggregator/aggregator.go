// Package aggregator combines the results of redundant or parallel task
// executions into one summary with a confidence score.
//
// Aggregate is a pure function: it keeps no state and the Outcome it returns
// is never modified afterwards. Permuting the input (and the weights with it)
// does not change the output.
package aggregator

import (
	"math"
	"sort"
	"time"

	"titangrid/pkg/model"
)

// Options tunes aggregation. Zero fields take the DefaultOptions values.
type Options struct {
	// Weights has one entry per input result, for WeightedMean.
	Weights []float64 `yaml:"-" json:"weights,omitempty"`
	// Tolerance is the width of a consensus band.
	Tolerance float64 `yaml:"tolerance" json:"tolerance"`
	// Metrics reported by fewer results than this are flagged LowConfidence.
	MinContributors int `yaml:"min_contributors" json:"min_contributors"`
	// Accuracy is the historical accuracy in [0, 1] per source node, for Ensemble.
	Accuracy map[string]float64 `yaml:"-" json:"accuracy,omitempty"`
	// Epsilon keeps the dispersion ratio finite around a zero mean.
	Epsilon float64 `yaml:"epsilon" json:"epsilon"`
}

func DefaultOptions() Options {
	return Options{Tolerance: 0.01, MinContributors: 2, Epsilon: 1e-9}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Tolerance <= 0 {
		o.Tolerance = def.Tolerance
	}
	if o.MinContributors <= 0 {
		o.MinContributors = def.MinContributors
	}
	if o.Epsilon <= 0 {
		o.Epsilon = def.Epsilon
	}
	return o
}

// MetricSummary is the aggregate of one metric.
type MetricSummary struct {
	Value        float64 `json:"value"`
	Mean         float64 `json:"mean"`
	Median       float64 `json:"median"`
	StdDev       float64 `json:"stddev"`
	Variance     float64 `json:"variance"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Spread       float64 `json:"spread"`
	Contributors int     `json:"contributors"`
	// Agreement is the share of contributors in the winning consensus band.
	// It is 1 for the other methods.
	Agreement     float64 `json:"agreement"`
	Confidence    float64 `json:"confidence"`
	LowConfidence bool    `json:"low_confidence"`
}

// Outcome is the aggregate of a result set. Treat it as read-only.
type Outcome struct {
	Method            Method                   `json:"method"`
	Metrics           map[string]MetricSummary `json:"metrics"`
	Confidence        float64                  `json:"confidence"`
	Contributors      int                      `json:"contributors"`
	MeanExecutionTime time.Duration            `json:"mean_execution_time,omitempty"`
}

// Value returns the aggregated value of one metric.
func (o *Outcome) Value(metric string) (float64, bool) {
	m, ok := o.Metrics[metric]
	return m.Value, ok
}

// Aggregate combines results with method. Only successful results count.
func Aggregate(results []model.Result, method Method, opts Options) (*Outcome, error) {
	if len(results) == 0 {
		return nil, ErrNoResults
	}
	opts = opts.withDefaults()

	weights, err := resolveWeights(results, method, opts)
	if err != nil {
		return nil, err
	}

	perMetric := make(map[string][]sample)
	contributors := 0
	var execTotal time.Duration
	var execCount int
	for i, r := range results {
		if !r.Success {
			continue
		}
		contributors++
		if r.ExecutionTime > 0 {
			execTotal += r.ExecutionTime
			execCount++
		}
		for name, v := range r.Metrics {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			perMetric[name] = append(perMetric[name], sample{value: v, weight: weights[i], source: r.NodeID})
		}
	}
	if contributors == 0 {
		return nil, ErrNoResults
	}

	names := make([]string, 0, len(perMetric))
	for name := range perMetric {
		names = append(names, name)
	}
	sort.Strings(names)

	out := &Outcome{
		Method:       method,
		Metrics:      make(map[string]MetricSummary, len(names)),
		Contributors: contributors,
	}
	if execCount > 0 {
		out.MeanExecutionTime = execTotal / time.Duration(execCount)
	}

	var dispersionSum, agreementSum float64
	for _, name := range names {
		samples := perMetric[name]
		sortSamples(samples)
		m := describe(samples)
		nd := normalizedDispersion(m, opts.Epsilon)

		summary := MetricSummary{
			Mean:          m.mean,
			Median:        m.median,
			StdDev:        math.Sqrt(m.variance),
			Variance:      m.variance,
			Min:           m.min,
			Max:           m.max,
			Spread:        m.max - m.min,
			Contributors:  len(samples),
			Agreement:     1,
			Confidence:    clamp01(1 - nd),
			LowConfidence: len(samples) < opts.MinContributors,
		}

		switch method {
		case Mean:
			summary.Value = m.mean
		case WeightedMean:
			v, ok := weightedMean(samples)
			if !ok {
				return nil, &InvalidWeightsError{
					Results: len(results), Weights: len(opts.Weights),
					Reason: "weights of the results reporting " + name + " sum to zero",
				}
			}
			summary.Value = v
		case Median:
			summary.Value = m.median
		case Consensus:
			summary.Value, summary.Agreement = consensus(samples, opts.Tolerance)
			summary.Confidence = summary.Agreement
		case Ensemble:
			summary.Value = ensemble(samples, m.mean, opts.Accuracy)
		default:
			return nil, &unknownMethodError{method}
		}

		out.Metrics[name] = summary
		dispersionSum += nd
		agreementSum += summary.Agreement
	}

	switch {
	case len(names) == 0:
		// successful results without metrics agree trivially
		out.Confidence = 1
	case method == Consensus:
		out.Confidence = clamp01(agreementSum / float64(len(names)))
	default:
		out.Confidence = clamp01(1 - dispersionSum/float64(len(names)))
	}
	return out, nil
}

type unknownMethodError struct{ m Method }

func (e *unknownMethodError) Error() string { return "unknown aggregation method " + e.m.String() }

// resolveWeights returns one weight per input result. WeightedMean requires
// caller weights; they are checked here and normalized to sum to 1.
func resolveWeights(results []model.Result, method Method, opts Options) ([]float64, error) {
	weights := make([]float64, len(results))
	if method != WeightedMean {
		for i := range weights {
			weights[i] = 1
		}
		return weights, nil
	}

	if opts.Weights == nil {
		return nil, &InvalidWeightsError{Results: len(results), Reason: "weighted_mean requires weights"}
	}
	if len(opts.Weights) != len(results) {
		return nil, &InvalidWeightsError{Results: len(results), Weights: len(opts.Weights), Reason: "count mismatch"}
	}

	// summed in sorted order so the total does not depend on input order
	ordered := append([]float64(nil), opts.Weights...)
	sort.Float64s(ordered)
	var sum float64
	for _, w := range ordered {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, &InvalidWeightsError{Results: len(results), Weights: len(opts.Weights), Reason: "weights must be finite and non-negative"}
		}
		sum += w
	}
	if sum <= 0 {
		return nil, &InvalidWeightsError{Results: len(results), Weights: len(opts.Weights), Reason: "weights sum to zero"}
	}
	for i, w := range opts.Weights {
		weights[i] = w / sum
	}
	return weights, nil
}
