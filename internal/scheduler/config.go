package scheduler

import (
	"time"

	"github.com/fentz26/lockwarden/internal/config"
)

// Config defines the scheduler configuration.
type Config struct {
	// Tick is the lease timer period.
	Tick time.Duration
	// AutoDispatch assigns and starts ready tasks on every tick.
	AutoDispatch bool
	// DispatchLimit caps tasks started per tick. Zero means no cap.
	DispatchLimit int
	// SemanticSchedule, PersistSchedule and PruneSchedule are cron specs.
	// An empty spec disables the job.
	SemanticSchedule string
	PersistSchedule  string
	PruneSchedule    string
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Tick:             time.Second,
		DispatchLimit:    8,
		SemanticSchedule: "@every 1m",
		PersistSchedule:  "@every 30s",
		PruneSchedule:    "@hourly",
	}
}

// FromConfig extracts the scheduler settings from the daemon config.
func FromConfig(cfg *config.Config) Config {
	c := DefaultConfig()
	c.Tick = cfg.Scheduler.Tick
	c.AutoDispatch = cfg.Scheduler.AutoDispatch
	c.DispatchLimit = cfg.Scheduler.DispatchLimit
	c.SemanticSchedule = cfg.Conflicts.SemanticSchedule
	c.PersistSchedule = cfg.Store.PersistSchedule
	if cfg.Store.Path == "" {
		c.PersistSchedule, c.PruneSchedule = "", ""
	}
	return c
}
