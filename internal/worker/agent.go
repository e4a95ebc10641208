// Package worker is the agent that runs on every compute node. It announces
// the node through heartbeats, runs the assignments the master writes for it
// and reports the outcome with any metrics the task printed.
package worker

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"titangrid/internal/config"
	"titangrid/internal/logging"
	"titangrid/internal/worker/executor"
	"titangrid/pkg/model"
	"titangrid/pkg/store"
)

// Runner executes one assignment. Cancelling ctx aborts it.
type Runner interface {
	Run(ctx context.Context, a *store.Assignment) (output string, err error)
}

type Option func(*Agent)

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.log = logging.OrNop(l).Named("worker") }
}

// WithSampler replaces the host usage sampler.
func WithSampler(s Sampler) Option {
	return func(a *Agent) { a.sample = s }
}

// WithLeaseTTL sets how long a heartbeat stays valid without renewal.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(a *Agent) { a.ttl = ttl }
}

type execution struct {
	attempt int
	cancel  context.CancelFunc
}

type Agent struct {
	cfg      config.WorkerConfig
	hostname string
	store    store.Store
	runner   Runner
	log      *zap.Logger
	sample   Sampler
	ttl      time.Duration

	mu       sync.Mutex
	running  map[string]*execution
	draining bool
	wg       sync.WaitGroup
}

func NewAgent(cfg config.WorkerConfig, s store.Store, runner Runner, opts ...Option) *Agent {
	hostname, _ := os.Hostname()
	if cfg.Name == "" {
		cfg.Name = hostname
	}
	if hostname == "" {
		hostname = cfg.Name
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}

	a := &Agent{
		cfg:      cfg,
		hostname: hostname,
		store:    s,
		runner:   runner,
		log:      zap.NewNop(),
		sample:   HostUsage,
		running:  make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.ttl <= 0 {
		a.ttl = 3 * cfg.HeartbeatInterval
	}
	return a
}

func (a *Agent) Name() string { return a.cfg.Name }

// Run heartbeats and executes assignments until ctx is done. On the way out
// the agent announces DRAINING, aborts what is still running, waits for the
// reports and withdraws its heartbeat.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent started", zap.String("agent", a.cfg.Name),
		zap.Any("capabilities", a.cfg.Capabilities), zap.Duration("heartbeat", a.cfg.HeartbeatInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(gctx) })
	g.Go(func() error { return a.watchAssignments(gctx) })
	err := g.Wait()

	a.shutdown(ctx)
	return err
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	a.beat(ctx, model.NodeAvailable)
	for {
		select {
		case <-ticker.C:
			a.beat(ctx, model.NodeAvailable)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Agent) beat(ctx context.Context, status model.NodeStatus) {
	usage, err := a.sample(ctx)
	if err != nil {
		a.log.Warn("usage sample failed", zap.Error(err))
	}
	hb := &store.Heartbeat{
		Agent:        a.cfg.Name,
		Hostname:     a.hostname,
		Address:      a.cfg.Address,
		Port:         a.cfg.Port,
		Capabilities: a.cfg.Capabilities,
		Usage:        usage,
		Status:       status,
		Running:      a.runningIDs(),
		Time:         time.Now(),
	}
	if err := a.store.Heartbeat(ctx, hb, a.ttl); err != nil && ctx.Err() == nil {
		a.log.Warn("heartbeat failed", zap.Error(err))
	}
}

func (a *Agent) watchAssignments(ctx context.Context) error {
	a.log.Info("waiting for assignments", zap.String("agent", a.cfg.Name))
	for ev := range a.store.WatchAssignments(ctx, a.cfg.Name) {
		switch ev.Type {
		case store.EventPut:
			a.start(ctx, ev.Value)
		case store.EventDelete:
			a.abort(ev.ID)
		}
	}
	return nil
}

// start launches an assignment unless the same attempt is already running.
// A newer attempt of a running task replaces the old one.
func (a *Agent) start(ctx context.Context, asg *store.Assignment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.draining {
		return
	}
	if cur, ok := a.running[asg.TaskID]; ok {
		if cur.attempt == asg.Attempt {
			return
		}
		a.log.Info("replacing earlier attempt", zap.String("task", asg.TaskID),
			zap.Int("old", cur.attempt), zap.Int("new", asg.Attempt))
		cur.cancel()
	}

	runCtx, cancel := context.WithCancel(ctx)
	exec := &execution{attempt: asg.Attempt, cancel: cancel}
	a.running[asg.TaskID] = exec
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		a.execute(runCtx, asg)
		a.mu.Lock()
		if a.running[asg.TaskID] == exec {
			delete(a.running, asg.TaskID)
		}
		a.mu.Unlock()
	}()
}

func (a *Agent) abort(taskID string) {
	a.mu.Lock()
	exec, ok := a.running[taskID]
	a.mu.Unlock()
	if ok {
		a.log.Info("aborting task", zap.String("task", taskID))
		exec.cancel()
	}
}

func (a *Agent) execute(ctx context.Context, asg *store.Assignment) {
	log := a.log.With(zap.String("task", asg.TaskID), zap.Int("attempt", asg.Attempt))
	log.Info("received task")

	start := time.Now()
	output, err := a.runner.Run(ctx, asg)
	took := time.Since(start)

	result := model.Result{
		TaskID:        asg.TaskID,
		NodeID:        asg.NodeID,
		Metrics:       executor.ParseMetrics(output),
		ExecutionTime: took,
		Success:       err == nil,
	}
	if err != nil {
		result.Error = err.Error()
		log.Warn("task failed", zap.Duration("took", took), zap.Error(err))
	} else {
		log.Info("task finished", zap.Duration("took", took), zap.Int("metrics", len(result.Metrics)))
	}

	// the run context may be gone; the report must still go out
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if output != "" {
		if err := a.store.SaveTaskLog(wctx, asg.TaskID, output); err != nil {
			log.Warn("failed to save task log", zap.Error(err))
		}
	}
	report := &store.Report{
		TaskID:  asg.TaskID,
		Agent:   a.cfg.Name,
		Attempt: asg.Attempt,
		Result:  result,
		Time:    time.Now(),
	}
	if err := a.store.PutReport(wctx, report); err != nil {
		log.Error("failed to report result", zap.Error(err))
	}
}

func (a *Agent) shutdown(ctx context.Context) {
	a.mu.Lock()
	a.draining = true
	for _, exec := range a.running {
		exec.cancel()
	}
	a.mu.Unlock()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	a.beat(sctx, model.NodeDraining)
	a.wg.Wait()
	if err := a.store.DeleteHeartbeat(sctx, a.cfg.Name); err != nil {
		a.log.Warn("failed to withdraw heartbeat", zap.Error(err))
	}
	a.log.Info("agent stopped")
}

func (a *Agent) runningIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.running))
	for id := range a.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
