package optimizer

import (
	"context"
	"fmt"
	"time"

	"memoptimizer/internal/logging"
	"memoptimizer/internal/memstats"
)

// Sink receives every published statistic and report. Implementations must
// not block for long; they run on the sampling goroutine.
type Sink interface {
	PublishUsage(snapshot memstats.UsageSnapshot, totals memstats.HumanTotals)
	PublishReport(report Report, message string)
}

// LifecycleKind names a controller lifecycle event
type LifecycleKind string

const (
	LifecycleMonitorEnabled      LifecycleKind = "monitor_enabled"
	LifecycleMonitorDisabled     LifecycleKind = "monitor_disabled"
	LifecycleOptimizationStarted LifecycleKind = "optimization_started"
	LifecycleSampleFailed        LifecycleKind = "sample_failed"
)

// LifecycleEvent describes a state change of the controller
type LifecycleEvent struct {
	Kind      LifecycleKind
	Timestamp time.Time
	RunID     string
	Scope     Scope
	Trigger   Trigger
	Err       error
}

// LifecycleSink is implemented by sinks that also want lifecycle events
type LifecycleSink interface {
	PublishLifecycle(event LifecycleEvent)
}

func (c *Controller) publishUsage(ctx context.Context, snapshot memstats.UsageSnapshot) {
	if c.sink == nil {
		return
	}
	defer c.recoverSink(ctx, "usage")
	c.sink.PublishUsage(snapshot, snapshot.HumanTotals())
}

func (c *Controller) publishReport(ctx context.Context, report Report) {
	if c.sink == nil {
		return
	}
	defer c.recoverSink(ctx, "report")
	c.sink.PublishReport(report, report.Message())
}

func (c *Controller) publishLifecycle(ctx context.Context, event LifecycleEvent) {
	ls, ok := c.sink.(LifecycleSink)
	if !ok {
		return
	}
	defer c.recoverSink(ctx, string(event.Kind))
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now()
	}
	ls.PublishLifecycle(event)
}

// recoverSink keeps a failing sink from reaching the controller
func (c *Controller) recoverSink(ctx context.Context, what string) {
	if r := recover(); r != nil {
		logging.Error(ctx, logging.ComponentOptimizer, logging.ActionPublish, "Display sink failed", fmt.Errorf("panic: %v", r), logging.Fields{
			"update": what,
		})
	}
}
