// Package diag provides periodic host-resource logging for the node
// running dirsyncd. Purely observational: nothing downstream depends on it.
// Adapted from internal/agent/monitor.go's SystemMonitor.
package diag

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// sampleInterval is how often host stats are sampled and logged.
const sampleInterval = 15 * time.Second

// SystemMonitor periodically samples CPU, memory and disk usage on the
// volume backing the signature store, and logs them at debug level.
type SystemMonitor struct {
	logger    *slog.Logger
	watchPath string
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewSystemMonitor creates a monitor that samples disk usage at watchPath
// (typically the signature store's root).
func NewSystemMonitor(logger *slog.Logger, watchPath string) *SystemMonitor {
	return &SystemMonitor{
		logger:    logger.With("component", "system_monitor"),
		watchPath: watchPath,
		closeCh:   make(chan struct{}),
	}
}

// Start begins periodic metric collection in its own goroutine.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the monitor and waits for its goroutine to exit.
func (sm *SystemMonitor) Stop() {
	close(sm.closeCh)
	sm.wg.Wait()
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	sm.collectAndLog()
	for {
		select {
		case <-sm.closeCh:
			return
		case <-ticker.C:
			sm.collectAndLog()
		}
	}
}

func (sm *SystemMonitor) collectAndLog() {
	attrs := make([]any, 0, 8)

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		attrs = append(attrs, "cpu_percent", pct[0])
	} else {
		sm.logger.Debug("collecting cpu stats failed", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		attrs = append(attrs, "memory_percent", v.UsedPercent)
	} else {
		sm.logger.Debug("collecting memory stats failed", "error", err)
	}

	if d, err := disk.Usage(sm.watchPath); err == nil {
		attrs = append(attrs, "disk_percent", d.UsedPercent)
	} else {
		sm.logger.Debug("collecting disk stats failed", "path", sm.watchPath, "error", err)
	}

	if l, err := load.Avg(); err == nil {
		attrs = append(attrs, "load1", l.Load1)
	} else {
		sm.logger.Debug("collecting load stats failed", "error", err)
	}

	sm.logger.Debug("host stats", attrs...)
}
