package optimizer

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"memoptimizer/internal/logging"
)

// SetAutoOptimizeTimer enables or disables the periodic optimization. The
// scheduler is created on first use and never fires after being disabled.
// A positive interval is remembered even when disabling, and interval <= 0
// keeps the remembered one. Scheduled runs do not consult the threshold
// debounce, but a scheduled run is skipped while the previous one is still
// going.
func (c *Controller) SetAutoOptimizeTimer(enabled bool, interval time.Duration) error {
	if interval <= 0 {
		interval = c.Config().AutoOptimizeInterval
	}
	if enabled && interval <= 0 {
		return &ConfigurationError{Field: "auto_optimize_interval", Reason: "must be positive"}
	}

	c.schedMu.Lock()
	defer c.schedMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	if !closed && interval > 0 {
		c.config.AutoOptimizeInterval = interval
	}
	c.mu.Unlock()
	if closed {
		if enabled {
			return ErrClosed
		}
		return nil
	}

	if c.schedEntry != 0 {
		c.scheduler.Remove(c.schedEntry)
		c.schedEntry = 0
	}
	c.schedEnabled = enabled

	ctx := context.Background()
	if !enabled {
		logging.Info(ctx, logging.ComponentScheduler, logging.ActionDisable, "Auto-optimize timer disabled")
		return nil
	}

	if c.scheduler == nil {
		logger := logging.CronLogger(logging.ComponentScheduler)
		c.scheduler = cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		)
		c.scheduler.Start()
	}

	c.schedEntry = c.scheduler.Schedule(cron.Every(interval), cron.FuncJob(c.scheduledRun))
	logging.Info(ctx, logging.ComponentScheduler, logging.ActionSchedule, "Auto-optimize timer enabled", logging.Fields{
		"interval": interval.String(),
	})
	return nil
}

// AutoOptimizeTimer reports whether the timer is armed and its interval
func (c *Controller) AutoOptimizeTimer() (bool, time.Duration) {
	c.schedMu.Lock()
	enabled := c.schedEnabled
	c.schedMu.Unlock()
	return enabled, c.Config().AutoOptimizeInterval
}

func (c *Controller) scheduledRun() {
	if !c.admitRun() {
		return
	}
	defer c.runs.Done()
	c.run(c.baseCtx, logging.NewCorrelationID(), ScopeFull, TriggerSchedule)
}
