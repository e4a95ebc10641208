package main

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"titangrid/internal/worker/executor"
	"titangrid/pkg/model"
)

type submitOptions struct {
	count    int
	sleep    int
	id       string
	taskType string
	image    string
	command  string
	priority int
	retries  int
	cpu      float64
	memory   float64
	gpu      float64
	estimate time.Duration
	depends  []string
	replicas int
	group    string
	inflight int
}

func newSubmitCmd(c *cli) *cobra.Command {
	o := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one or more tasks",
		Long: `Submit tasks for the master to schedule. Without --command each task runs
a shell script that sleeps for -t seconds and prints a JSON metrics line.
With -n greater than one the tasks are submitted concurrently and the
submission rate is reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, c, o)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&o.count, "count", "n", 1, "number of tasks to submit")
	f.IntVarP(&o.sleep, "sleep", "t", 1, "seconds each generated task sleeps")
	f.StringVar(&o.id, "id", "", "task id, only with -n 1")
	f.StringVar(&o.taskType, "type", "shell", "task type")
	f.StringVar(&o.image, "image", "", "container image, defaults to alpine")
	f.StringVar(&o.command, "command", "", "shell command to run instead of the generated script")
	f.IntVar(&o.priority, "priority", 0, "priority, higher runs first")
	f.IntVar(&o.retries, "retries", 3, "maximum retries after a failure")
	f.Float64Var(&o.cpu, "cpu", 0.1, "cpu cores required")
	f.Float64Var(&o.memory, "memory", 16, "memory required in MB")
	f.Float64Var(&o.gpu, "gpu", 0, "gpus required")
	f.DurationVar(&o.estimate, "estimate", 0, "estimated run time, scales the timeout")
	f.StringSliceVar(&o.depends, "depends", nil, "ids of tasks that must complete first")
	f.IntVar(&o.replicas, "replicas", 1, "redundant executions per task, sharing one group")
	f.StringVar(&o.group, "group", "", "group for aggregation, defaults to the task id when replicated")
	f.IntVar(&o.inflight, "inflight", 50, "concurrent submissions")
	return cmd
}

func (o *submitOptions) task(index int) (model.Task, error) {
	id := o.id
	if id == "" {
		id = "task-" + uuid.NewString()
	}

	script := o.command
	if script == "" {
		script = fmt.Sprintf("echo 'task %d started'; sleep %d; echo 'task %d finished'; echo '{\"sleep_seconds\": %d, \"index\": %d}'",
			index, o.sleep, index, o.sleep, index)
	}
	payload, err := json.Marshal(executor.ContainerSpec{Image: o.image, Command: []string{"sh", "-c", script}})
	if err != nil {
		return model.Task{}, err
	}

	req := model.Resources{}
	if o.cpu > 0 {
		req[model.ResourceCPU] = o.cpu
	}
	if o.memory > 0 {
		req[model.ResourceMemory] = o.memory
	}
	if o.gpu > 0 {
		req[model.ResourceGPU] = o.gpu
	}

	return model.Task{
		ID:                id,
		Type:              o.taskType,
		Payload:           payload,
		Group:             o.group,
		Priority:          o.priority,
		Dependencies:      o.depends,
		Requirements:      req,
		EstimatedDuration: o.estimate,
		MaxRetries:        o.retries,
	}, nil
}

// expand turns one logical task into its replicas. Replica ids follow the
// "<id>-r<n>" pattern and all replicas share the group.
func (o *submitOptions) expand(task model.Task) []model.Task {
	if o.replicas <= 1 {
		return []model.Task{task}
	}
	if task.Group == "" {
		task.Group = task.ID
	}
	out := make([]model.Task, 0, o.replicas)
	for i := 1; i <= o.replicas; i++ {
		r := task.Clone()
		r.ID = fmt.Sprintf("%s-r%d", task.ID, i)
		out = append(out, r)
	}
	return out
}

func runSubmit(cmd *cobra.Command, c *cli, o *submitOptions) error {
	if o.count < 1 {
		return fmt.Errorf("--count must be positive")
	}
	if o.id != "" && o.count > 1 {
		return fmt.Errorf("--id only works with a single task")
	}
	if o.replicas < 1 {
		return fmt.Errorf("--replicas must be positive")
	}

	st, err := c.connect()
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	if o.count > 1 {
		fmt.Fprintf(out, "submitting %d tasks (%ds of work each)...\n", o.count, o.sleep)
	}

	var submitted, failed atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(o.inflight)
	for i := 0; i < o.count; i++ {
		task, err := o.task(i)
		if err != nil {
			return err
		}
		for _, t := range o.expand(task) {
			t := t
			g.Go(func() error {
				ctx, cancel := c.context(gctx)
				defer cancel()
				if err := st.SubmitTask(ctx, &t); err != nil {
					failed.Add(1)
					fmt.Fprintf(cmd.ErrOrStderr(), "failed to submit %s: %v\n", t.ID, err)
					return nil
				}
				n := submitted.Add(1)
				if o.count == 1 {
					fmt.Fprintln(out, t.ID)
				} else if n%50 == 0 {
					fmt.Fprintf(out, "-> %d submitted\n", n)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	took := time.Since(start)

	if o.count > 1 {
		fmt.Fprintf(out, "\ntotal tasks: %d\n", submitted.Load())
		fmt.Fprintf(out, "total time:  %v\n", took)
		fmt.Fprintf(out, "rate:        %.2f tasks/s\n", float64(submitted.Load())/took.Seconds())
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d submissions failed", n)
	}
	return nil
}
