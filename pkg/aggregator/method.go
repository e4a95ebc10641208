package aggregator

import "fmt"

// Method is how per-result values are combined into one.
type Method int

const (
	Mean Method = iota
	WeightedMean
	Median
	Consensus
	Ensemble
)

var methodNames = map[Method]string{
	Mean:         "mean",
	WeightedMean: "weighted_mean",
	Median:       "median",
	Consensus:    "consensus",
	Ensemble:     "ensemble",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("method(%d)", int(m))
}

func ParseMethod(name string) (Method, error) {
	for m, n := range methodNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown aggregation method %q", name)
}

func (m Method) MarshalText() ([]byte, error) {
	if _, ok := methodNames[m]; !ok {
		return nil, fmt.Errorf("unknown aggregation method %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Method) UnmarshalText(text []byte) error {
	parsed, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
