package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titangrid/pkg/model"
)

func TestParseMetrics(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   map[string]float64
	}{
		{"trailing line", "epoch 1\nepoch 2\n{\"accuracy\": 0.91, \"loss\": 0.2}\n", map[string]float64{"accuracy": 0.91, "loss": 0.2}},
		{"booleans and strings", `{"converged": true, "note": "ok", "steps": 40}`, map[string]float64{"converged": 1, "steps": 40}},
		{"not last", "{\"accuracy\": 0.9}\ndone\n", nil},
		{"plain text", "hello world", nil},
		{"empty", "", nil},
		{"broken json", "{\"accuracy\": 0.9", nil},
		{"no numbers", `{"note": "ok"}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseMetrics(tc.output))
		})
	}
}

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec([]byte(`{"command": ["sh", "-c", "echo hi"]}`))
	require.NoError(t, err)
	assert.Equal(t, defaultImage, spec.Image)
	assert.Equal(t, []string{"sh", "-c", "echo hi"}, spec.Command)

	_, err = ParseSpec(nil)
	assert.Error(t, err)
	_, err = ParseSpec([]byte("echo hi"))
	assert.Error(t, err)
}

func TestLimits(t *testing.T) {
	r := limits(model.Resources{model.ResourceCPU: 0.5, model.ResourceMemory: 256})
	assert.Equal(t, int64(500_000_000), r.NanoCPUs)
	assert.Equal(t, int64(256*1024*1024), r.Memory)

	assert.Zero(t, limits(nil).NanoCPUs)
}
