package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper re-triggers a DIRECTORY_STATE exchange with every synchronized
// peer on a fixed interval, healing drift from events the watcher missed
// (SPEC_FULL.md §5 item 1). Grounded on internal/agent/scheduler.go's
// single-job-with-running-guard pattern.
type Sweeper struct {
	cron    *cron.Cron
	logger  *slog.Logger
	mu      sync.Mutex
	running bool
}

// NewSweeper schedules a full reconciliation sweep of reg every interval.
// An interval <= 0 disables the sweep (Start becomes a no-op).
func NewSweeper(reg *Registry, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	sw := &Sweeper{logger: logger.With("component", "reconcile_sweep")}
	if interval <= 0 {
		return sw, nil
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := c.AddFunc(spec, func() { sw.run(reg) }); err != nil {
		return nil, fmt.Errorf("registry: scheduling reconciliation sweep: %w", err)
	}
	sw.cron = c
	return sw, nil
}

// Start begins the scheduled sweep, if one was configured.
func (sw *Sweeper) Start() {
	if sw.cron != nil {
		sw.cron.Start()
	}
}

// Stop stops the scheduler, if one was configured.
func (sw *Sweeper) Stop() {
	if sw.cron != nil {
		sw.cron.Stop()
	}
}

func (sw *Sweeper) run(reg *Registry) {
	sw.mu.Lock()
	if sw.running {
		sw.mu.Unlock()
		sw.logger.Debug("sweep already running, skipping this tick")
		return
	}
	sw.running = true
	sw.mu.Unlock()

	defer func() {
		sw.mu.Lock()
		sw.running = false
		sw.mu.Unlock()
	}()

	sw.logger.Debug("starting reconciliation sweep")
	reg.Reconcile(sw.logger)
}
