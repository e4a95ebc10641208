package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"titangrid/internal/config"
	"titangrid/pkg/aggregator"
	"titangrid/pkg/model"
	"titangrid/pkg/store"
)

func newStatusCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show one task, or every task the master has reported",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.connect()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx, cancel := c.context(cmd.Context())
			defer cancel()

			if len(args) == 1 {
				task, err := st.GetStatus(ctx, args[0])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("task %s is unknown or not picked up yet", args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), task)
			}

			tasks, err := st.ListStatus(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), tasks)
			}
			return printTasks(cmd.OutOrStdout(), tasks)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printTasks(w io.Writer, tasks []*model.Task) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tRETRIES\tNODE\tGROUP\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%d\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Priority, t.RetryCount, t.MaxRetries, dash(t.NodeID), dash(t.Group), dash(t.Error))
	}
	return tw.Flush()
}

func newLogsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <task-id>",
		Short: "Print the output of a task's last execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.connect()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx, cancel := c.context(cmd.Context())
			defer cancel()

			logs, err := st.GetTaskLog(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no logs for task %s", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), logs)
			if !strings.HasSuffix(logs, "\n") {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
}

func newNodesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the worker agents currently heartbeating",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.connect()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx, cancel := c.context(cmd.Context())
			defer cancel()

			hbs, err := st.ListHeartbeats(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tADDRESS\tSTATUS\tCPU\tMEMORY_MB\tSLOTS\tRUNNING\tLAST SEEN")
			for _, hb := range hbs {
				fmt.Fprintf(tw, "%s\t%s:%d\t%s\t%.1f/%.0f\t%.0f/%.0f\t%.0f\t%d\t%s ago\n",
					hb.Agent, hb.Address, hb.Port, hb.Status,
					hb.Usage[model.ResourceCPU], hb.Capabilities[model.ResourceCPU],
					hb.Usage[model.ResourceMemory], hb.Capabilities[model.ResourceMemory],
					hb.Capabilities[model.ResourceMaxTasks], len(hb.Running),
					time.Since(hb.Time).Round(time.Second))
			}
			return tw.Flush()
		},
	}
}

type aggregateOptions struct {
	method          string
	tolerance       float64
	minContributors int
	weights         []float64
	asJSON          bool
}

func newAggregateCmd(c *cli) *cobra.Command {
	o := &aggregateOptions{}
	cmd := &cobra.Command{
		Use:   "aggregate <group>",
		Short: "Combine the results of the completed tasks in a group",
		Long: `Aggregate the metrics reported by the completed tasks of a group.
Methods are mean, weighted_mean, median, consensus and ensemble. Weights for
weighted_mean are given in task id order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			method, opts, err := o.resolve(cmd, c.cfg.Aggregator)
			if err != nil {
				return err
			}
			st, err := c.connect()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx, cancel := c.context(cmd.Context())
			defer cancel()

			tasks, err := st.ListStatus(ctx)
			if err != nil {
				return err
			}
			results := groupResults(tasks, args[0])
			if len(results) == 0 {
				return fmt.Errorf("group %s has no completed tasks", args[0])
			}

			outcome, err := aggregator.Aggregate(results, method, opts)
			if err != nil {
				return err
			}
			if o.asJSON {
				return printJSON(cmd.OutOrStdout(), outcome)
			}
			return printOutcome(cmd.OutOrStdout(), outcome)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.method, "method", "", "aggregation method, overrides the config file")
	f.Float64Var(&o.tolerance, "tolerance", 0, "consensus band width, overrides the config file")
	f.IntVar(&o.minContributors, "min-contributors", 0, "results needed before a metric is trusted, overrides the config file")
	f.Float64SliceVar(&o.weights, "weights", nil, "one weight per completed task, for weighted_mean")
	f.BoolVar(&o.asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

// resolve starts from the configured aggregator section and applies the
// flags that were set explicitly.
func (o *aggregateOptions) resolve(cmd *cobra.Command, def config.AggregatorConfig) (aggregator.Method, aggregator.Options, error) {
	method := def.Method
	opts := def.Options
	flags := cmd.Flags()
	if flags.Changed("method") {
		m, err := aggregator.ParseMethod(o.method)
		if err != nil {
			return method, opts, err
		}
		method = m
	}
	if flags.Changed("tolerance") {
		opts.Tolerance = o.tolerance
	}
	if flags.Changed("min-contributors") {
		opts.MinContributors = o.minContributors
	}
	opts.Weights = o.weights
	return method, opts, nil
}

// groupResults returns the results of the completed tasks in group, in task
// id order.
func groupResults(tasks []*model.Task, group string) []model.Result {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	var results []model.Result
	for _, t := range tasks {
		if t.Group != group || t.Status != model.TaskCompleted || t.Result == nil {
			continue
		}
		results = append(results, *t.Result)
	}
	return results
}

func printOutcome(w io.Writer, o *aggregator.Outcome) error {
	fmt.Fprintf(w, "method: %s  contributors: %d  confidence: %.3f", o.Method, o.Contributors, o.Confidence)
	if o.MeanExecutionTime > 0 {
		fmt.Fprintf(w, "  mean execution: %v", o.MeanExecutionTime.Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	names := make([]string, 0, len(o.Metrics))
	for name := range o.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tVALUE\tMEDIAN\tSTDDEV\tMIN\tMAX\tN\tCONFIDENCE\t")
	for _, name := range names {
		m := o.Metrics[name]
		flag := ""
		if m.LowConfidence {
			flag = "low"
		}
		fmt.Fprintf(tw, "%s\t%.4g\t%.4g\t%.4g\t%.4g\t%.4g\t%d\t%.3f\t%s\n",
			name, m.Value, m.Median, m.StdDev, m.Min, m.Max, m.Contributors, m.Confidence, flag)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
