// Package scheduler drives the coordinator's time-based transitions: lease
// expiry, heartbeat and conflict sweeps, auto-dispatch, and the cron jobs
// for semantic sweeps and persistence.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/lockwarden/internal/models"
	"github.com/fentz26/lockwarden/internal/tasks"
	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc"
)

// Coordinator is the set of timer-driven operations the scheduler calls.
type Coordinator interface {
	Reap() []models.Lock
	SweepHeartbeats() []string
	SweepStale() []models.Conflict
	SweepEscalations() []models.Conflict
	SweepSemantic() []models.Conflict
	Dispatch(limit int) []tasks.StartResult
	Persist(ctx context.Context) error
	Prune(ctx context.Context) error
	RecordSweep(ctx context.Context, name string, d time.Duration)
}

// Stats counts what the scheduler has done since Start.
type Stats struct {
	Ticks      int64  `json:"ticks"`
	Reaped     int64  `json:"reaped"`
	Inactive   int64  `json:"inactive"`
	Stale      int64  `json:"stale"`
	Escalated  int64  `json:"escalated"`
	Semantic   int64  `json:"semantic"`
	Dispatched int64  `json:"dispatched"`
	Persists   int64  `json:"persists"`
	LastError  string `json:"last_error,omitempty"`
}

// Scheduler runs the lease timer loop and the cron jobs.
type Scheduler struct {
	co     Coordinator
	logger *slog.Logger

	mu     sync.Mutex
	config Config
	stats  Stats
	cron   *cron.Cron

	reload chan struct{}

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Cron specs are validated here.
func New(co Coordinator, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	sch := &Scheduler{
		co:     co,
		logger: logger.With("component", "scheduler"),
		config: cfg,
		reload: make(chan struct{}, 1),
	}
	c, err := sch.buildCron(cfg)
	if err != nil {
		return nil, err
	}
	sch.cron = c
	return sch, nil
}

func (sch *Scheduler) buildCron(cfg Config) (*cron.Cron, error) {
	cl := cronLogger{sch.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"semantic", cfg.SemanticSchedule, sch.semantic},
		{"persist", cfg.PersistSchedule, sch.persist},
		{"prune", cfg.PruneSchedule, sch.prune},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		run := j.run
		if _, err := c.AddFunc(j.spec, func() { run(sch.context()) }); err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", j.name, j.spec, err)
		}
	}
	return c, nil
}

func (sch *Scheduler) context() context.Context {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.ctx == nil {
		return context.Background()
	}
	return sch.ctx
}

// Start begins the timer loop and the cron jobs.
func (sch *Scheduler) Start(ctx context.Context) {
	sch.mu.Lock()
	sch.ctx, sch.cancel = context.WithCancel(ctx)
	c := sch.cron
	tick := sch.config.Tick
	sch.mu.Unlock()

	c.Start()
	sch.wg.Add(1)
	go sch.loop()
	sch.logger.Info("scheduler started", "tick", tick)
}

// Stop gracefully stops the loop and waits for running cron jobs.
func (sch *Scheduler) Stop() {
	sch.mu.Lock()
	cancel, c := sch.cancel, sch.cron
	sch.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	sch.wg.Wait()
	<-c.Stop().Done()
	sch.logger.Info("scheduler stopped")
}

// SetConfig swaps the configuration. A running loop picks up the new tick
// and the cron jobs are rebuilt.
func (sch *Scheduler) SetConfig(cfg Config) error {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	c, err := sch.buildCron(cfg)
	if err != nil {
		return err
	}
	sch.mu.Lock()
	old := sch.cron
	running := sch.ctx != nil && sch.ctx.Err() == nil
	sch.config, sch.cron = cfg, c
	sch.mu.Unlock()

	if running {
		old.Stop()
		c.Start()
	}
	select {
	case sch.reload <- struct{}{}:
	default:
	}
	return nil
}

// loop runs one tick per period until the context is cancelled.
func (sch *Scheduler) loop() {
	defer sch.wg.Done()

	sch.mu.Lock()
	ctx, tick := sch.ctx, sch.config.Tick
	sch.mu.Unlock()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sch.reload:
			sch.mu.Lock()
			tick = sch.config.Tick
			sch.mu.Unlock()
			ticker.Reset(tick)
		case <-ticker.C:
			sch.Tick(ctx)
		}
	}
}

// Tick runs one timer pass. Expiry and heartbeat sweeps run in parallel;
// the conflict sweeps follow because they read the agents' liveness.
func (sch *Scheduler) Tick(ctx context.Context) {
	start := time.Now()
	sch.mu.Lock()
	cfg := sch.config
	sch.mu.Unlock()

	var (
		reaped   []models.Lock
		inactive []string
	)
	var wg conc.WaitGroup
	wg.Go(func() { reaped = sch.co.Reap() })
	wg.Go(func() { inactive = sch.co.SweepHeartbeats() })
	wg.Wait()

	stale := sch.co.SweepStale()
	escalated := sch.co.SweepEscalations()

	var dispatched []tasks.StartResult
	if cfg.AutoDispatch {
		dispatched = sch.co.Dispatch(cfg.DispatchLimit)
	}

	sch.mu.Lock()
	sch.stats.Ticks++
	sch.stats.Reaped += int64(len(reaped))
	sch.stats.Inactive += int64(len(inactive))
	sch.stats.Stale += int64(len(stale))
	sch.stats.Escalated += int64(len(escalated))
	sch.stats.Dispatched += int64(len(dispatched))
	sch.mu.Unlock()

	if n := len(reaped) + len(inactive) + len(stale) + len(escalated) + len(dispatched); n > 0 {
		sch.logger.Debug("tick",
			"expired", len(reaped), "inactive", len(inactive), "stale", len(stale),
			"escalated", len(escalated), "dispatched", len(dispatched))
	}
	sch.co.RecordSweep(ctx, "tick", time.Since(start))
}

func (sch *Scheduler) semantic(ctx context.Context) {
	start := time.Now()
	found := sch.co.SweepSemantic()
	sch.mu.Lock()
	sch.stats.Semantic += int64(len(found))
	sch.mu.Unlock()
	if len(found) > 0 {
		sch.logger.Info("semantic sweep raised conflicts", "count", len(found))
	}
	sch.co.RecordSweep(ctx, "semantic", time.Since(start))
}

func (sch *Scheduler) persist(ctx context.Context) {
	start := time.Now()
	err := sch.co.Persist(ctx)
	sch.mu.Lock()
	if err != nil {
		sch.stats.LastError = err.Error()
	} else {
		sch.stats.Persists++
	}
	sch.mu.Unlock()
	if err != nil {
		sch.logger.Error("persist failed", "error", err)
	}
	sch.co.RecordSweep(ctx, "persist", time.Since(start))
}

func (sch *Scheduler) prune(ctx context.Context) {
	if err := sch.co.Prune(ctx); err != nil {
		sch.mu.Lock()
		sch.stats.LastError = err.Error()
		sch.mu.Unlock()
		sch.logger.Error("prune failed", "error", err)
	}
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.stats
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
