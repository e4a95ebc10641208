package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titangrid/internal/config"
	"titangrid/internal/worker/executor"
	"titangrid/pkg/aggregator"
	"titangrid/pkg/model"
)

func TestSubmitOptionsTask(t *testing.T) {
	o := &submitOptions{sleep: 2, taskType: "shell", cpu: 0.5, memory: 64, retries: 1, priority: 3}
	task, err := o.task(7)
	require.NoError(t, err)

	assert.Contains(t, task.ID, "task-")
	assert.Equal(t, model.Resources{model.ResourceCPU: 0.5, model.ResourceMemory: 64}, task.Requirements)
	assert.Equal(t, 3, task.Priority)

	spec, err := executor.ParseSpec(task.Payload)
	require.NoError(t, err)
	require.Len(t, spec.Command, 3)
	assert.Contains(t, spec.Command[2], "sleep 2")
	assert.Contains(t, spec.Command[2], `"index": 7`)
}

func TestExpandReplicas(t *testing.T) {
	o := &submitOptions{replicas: 3}
	tasks := o.expand(model.Task{ID: "train"})
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		assert.Equal(t, "train", task.Group)
		assert.Equal(t, []string{"train-r1", "train-r2", "train-r3"}[i], task.ID)
	}

	single := (&submitOptions{replicas: 1}).expand(model.Task{ID: "one"})
	assert.Equal(t, []model.Task{{ID: "one"}}, single)
}

func TestGroupResultsAndOutcome(t *testing.T) {
	done := func(id, group string, v float64) *model.Task {
		return &model.Task{ID: id, Group: group, Status: model.TaskCompleted,
			Result: &model.Result{TaskID: id, Success: true, Metrics: map[string]float64{"accuracy": v}}}
	}
	tasks := []*model.Task{
		done("g-r2", "g", 0.8),
		done("g-r1", "g", 0.9),
		done("h-r1", "h", 0.1),
		{ID: "g-r3", Group: "g", Status: model.TaskFailed},
	}

	results := groupResults(tasks, "g")
	require.Len(t, results, 2)
	assert.Equal(t, "g-r1", results[0].TaskID)

	outcome, err := aggregator.Aggregate(results, aggregator.Mean, aggregator.Options{})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, printOutcome(&buf, outcome))
	assert.Contains(t, buf.String(), "accuracy")
	assert.Contains(t, buf.String(), "contributors: 2")
}

func TestAggregateDefaultsComeFromConfig(t *testing.T) {
	def := config.AggregatorConfig{
		Method:  aggregator.Consensus,
		Options: aggregator.Options{Tolerance: 0.05, MinContributors: 3},
	}

	cmd := newAggregateCmd(&cli{})
	o := &aggregateOptions{}
	method, opts, err := o.resolve(cmd, def)
	require.NoError(t, err)
	assert.Equal(t, aggregator.Consensus, method)
	assert.Equal(t, 0.05, opts.Tolerance)
	assert.Equal(t, 3, opts.MinContributors)

	require.NoError(t, cmd.Flags().Set("method", "median"))
	require.NoError(t, cmd.Flags().Set("tolerance", "0.2"))
	o = &aggregateOptions{method: "median", tolerance: 0.2}
	method, opts, err = o.resolve(cmd, def)
	require.NoError(t, err)
	assert.Equal(t, aggregator.Median, method)
	assert.Equal(t, 0.2, opts.Tolerance)
	assert.Equal(t, 3, opts.MinContributors, "unset flags keep the config value")

	require.NoError(t, cmd.Flags().Set("method", "vote"))
	_, _, err = (&aggregateOptions{method: "vote"}).resolve(cmd, def)
	assert.Error(t, err)
}
