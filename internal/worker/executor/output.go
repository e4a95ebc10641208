package executor

import (
	"encoding/json"
	"math"
	"strings"
)

// ParseMetrics reads task metrics from the last non-empty line of output
// when that line is a JSON object, e.g. {"accuracy": 0.91, "loss": 0.2}.
// Non-numeric and non-finite values are skipped. Booleans count as 0 or 1.
// It returns nil when the output carries no metrics.
func ParseMetrics(output string) map[string]float64 {
	lines := strings.Split(strings.TrimRight(output, "\r\n\t "), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(last, "{") || !strings.HasSuffix(last, "}") {
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(last), &raw); err != nil {
		return nil
	}
	metrics := make(map[string]float64, len(raw))
	for name, v := range raw {
		switch x := v.(type) {
		case float64:
			if !math.IsNaN(x) && !math.IsInf(x, 0) {
				metrics[name] = x
			}
		case bool:
			if x {
				metrics[name] = 1
			} else {
				metrics[name] = 0
			}
		}
	}
	if len(metrics) == 0 {
		return nil
	}
	return metrics
}
