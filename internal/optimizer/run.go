package optimizer

import (
	"context"
	"fmt"

	"memoptimizer/internal/logging"
	"memoptimizer/internal/memstats"
	"memoptimizer/internal/reclaim"
)

// RunOptimization performs one reclamation run and blocks until it finishes.
// Action failures are listed in the report and do not abort the run; the
// report fails only when usage cannot be measured.
func (c *Controller) RunOptimization(ctx context.Context, scope Scope) Report {
	return c.run(ctx, logging.NewCorrelationID(), scope, TriggerManual)
}

// Launch starts a run on its own goroutine and returns its run ID. The run is
// not bound to any caller context. After Close it returns ErrClosed.
func (c *Controller) Launch(scope Scope, trigger Trigger) (string, error) {
	if !c.admitRun() {
		return "", ErrClosed
	}
	runID := logging.NewCorrelationID()
	go func() {
		defer c.runs.Done()
		defer func() {
			if r := recover(); r != nil {
				logging.Error(c.baseCtx, logging.ComponentOptimizer, logging.ActionRecover, "Detached optimization panicked", fmt.Errorf("panic: %v", r), logging.Fields{
					"run_id": runID,
				})
			}
		}()
		c.run(c.baseCtx, runID, scope, trigger)
	}()
	return runID, nil
}

func (c *Controller) run(ctx context.Context, runID string, scope Scope, trigger Trigger) Report {
	ctx = logging.WithCorrelationID(ctx, runID)
	cfg := c.Config()

	if cfg.ExclusiveRuns {
		if !c.runMu.TryLock() {
			report := Report{RunID: runID, Scope: scope, Trigger: trigger, StartedAt: c.now()}
			logging.Warn(ctx, logging.ComponentOptimizer, logging.ActionOptimize, "Optimization rejected, another run is active")
			return c.finish(ctx, report.withError(ErrRunInProgress))
		}
		defer c.runMu.Unlock()
	}

	start := c.now()
	c.mu.Lock()
	c.state.LastAutoOptimize = start
	c.state.RunsInFlight++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.state.RunsInFlight--
		c.mu.Unlock()
	}()

	report := Report{RunID: runID, Scope: scope, Trigger: trigger, StartedAt: start}
	logging.Info(ctx, logging.ComponentOptimizer, logging.ActionStart, "Optimization started", logging.Fields{
		"scope":   scope.String(),
		"trigger": trigger.String(),
	})
	c.publishLifecycle(ctx, LifecycleEvent{Kind: LifecycleOptimizationStarted, RunID: runID, Scope: scope, Trigger: trigger})

	before, err := c.sample(ctx)
	if err != nil {
		return c.finish(ctx, report.withError(err))
	}
	report.BeforeUsedBytes = before.UsedBytes

	if scope.includesWorkingSets() && cfg.EmptyWorkingSets {
		result, err := c.trimWorkingSets(ctx, cfg.ProcessExceptionList)
		report.Trim = result
		if err != nil {
			report.ActionErrors = append(report.ActionErrors, err.Error())
			c.logActionError(ctx, logging.ActionTrim, err)
		} else {
			logging.Info(ctx, logging.ComponentReclaim, logging.ActionTrim, "Working sets trimmed", logging.Fields{
				"trimmed": result.Trimmed,
				"skipped": result.Skipped,
				"failed":  result.Failed,
			})
		}

		// paged-out memory takes a while to show up in the usage figures
		logging.Debug(ctx, logging.ComponentOptimizer, logging.ActionSettle, "Waiting for memory to settle", logging.Fields{
			"delay": cfg.SettleDelay.String(),
		})
		if err := c.sleep(ctx, cfg.SettleDelay); err != nil {
			report.ActionErrors = append(report.ActionErrors, fmt.Sprintf("settle: %v", err))
		}
	}

	if scope.includesCache() && cfg.ClearFileSystemCache {
		if err := c.clearFileSystemCache(ctx, cfg.ClearStandbyCache); err != nil {
			report.ActionErrors = append(report.ActionErrors, err.Error())
			c.logActionError(ctx, logging.ActionDropCaches, err)
		} else {
			logging.Info(ctx, logging.ComponentReclaim, logging.ActionDropCaches, "File system cache cleared", logging.Fields{
				"include_standby": cfg.ClearStandbyCache,
			})
		}
	}

	after, err := c.sample(ctx)
	if err != nil {
		return c.finish(ctx, report.withError(err))
	}
	c.storeSnapshot(after)
	c.publishUsage(ctx, after)

	report.AfterUsedBytes = after.UsedBytes
	report.SavingsBytes = before.UsedBytes - after.UsedBytes
	return c.finish(ctx, report)
}

// finish stamps, stores and publishes a report
func (c *Controller) finish(ctx context.Context, report Report) Report {
	report.FinishedAt = c.now()

	c.mu.Lock()
	c.report = report
	c.hasReport = true
	c.mu.Unlock()

	if report.Failed() {
		logging.Error(ctx, logging.ComponentOptimizer, logging.ActionOptimize, "Optimization failed", report.Err, logging.Fields{
			"scope":   report.Scope.String(),
			"trigger": report.Trigger.String(),
		})
	} else {
		logging.WithDuration(ctx, logging.INFO, logging.ComponentOptimizer, logging.ActionSavings, report.Message(), report.Duration(), logging.Fields{
			"savings_bytes": report.SavingsBytes,
			"action_errors": len(report.ActionErrors),
		})
	}

	c.publishReport(ctx, report)
	return report
}

func (c *Controller) logActionError(ctx context.Context, action string, err error) {
	if reclaim.IsInsufficientPrivilege(err) {
		logging.Warn(ctx, logging.ComponentReclaim, action, "Action needs elevated privileges, skipped", logging.Fields{
			"error": err.Error(),
		})
		return
	}
	logging.Error(ctx, logging.ComponentReclaim, action, "Reclamation action failed", err)
}

// sample, trimWorkingSets and clearFileSystemCache turn a panic in a
// collaborator into an error so one bad call cannot kill a detached run.

func (c *Controller) sample(ctx context.Context) (snapshot memstats.UsageSnapshot, err error) {
	defer recoverInto(&err, "sample")
	return c.provider.Sample(ctx)
}

func (c *Controller) trimWorkingSets(ctx context.Context, exceptions []string) (result reclaim.TrimResult, err error) {
	defer recoverInto(&err, "trim_working_sets")
	return c.reclaimer.TrimWorkingSets(ctx, exceptions)
}

func (c *Controller) clearFileSystemCache(ctx context.Context, includeStandby bool) (err error) {
	defer recoverInto(&err, "clear_file_system_cache")
	return c.reclaimer.ClearFileSystemCache(ctx, includeStandby)
}

func recoverInto(err *error, op string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s panicked: %v", op, r)
	}
}
