package balancer

import "fmt"

// Strategy selects the node selection heuristic.
type Strategy int

const (
	RoundRobin Strategy = iota
	LeastLoaded
	ResourceBased
	Adaptive
)

var strategyNames = map[Strategy]string{
	RoundRobin:    "round_robin",
	LeastLoaded:   "least_loaded",
	ResourceBased: "resource_based",
	Adaptive:      "adaptive",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy accepts the names produced by String. "least_connections"
// is an alias for least_loaded.
func ParseStrategy(name string) (Strategy, error) {
	if name == "least_connections" {
		return LeastLoaded, nil
	}
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown load balancing strategy %q", name)
}

func (s Strategy) MarshalText() ([]byte, error) {
	if _, ok := strategyNames[s]; !ok {
		return nil, fmt.Errorf("unknown load balancing strategy %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
