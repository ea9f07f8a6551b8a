// Package optimizer owns the optimization state machine: periodic usage
// sampling, threshold and schedule triggers, and the reclamation run itself.
package optimizer

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"memoptimizer/internal/logging"
	"memoptimizer/internal/memstats"
	"memoptimizer/internal/reclaim"
)

// ControllerState is the observable state of the controller
type ControllerState struct {
	MonitorEnabled   bool      `json:"monitor_enabled"`
	LastAutoOptimize time.Time `json:"last_auto_optimize"`
	RunsInFlight     int       `json:"runs_in_flight"`
}

// Option customises a Controller
type Option func(*Controller)

// WithClock replaces time.Now for trigger and report timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSleeper replaces the settle-delay wait
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// Controller samples memory usage, decides when to reclaim and runs the
// reclamation sequence. All methods are safe for concurrent use.
type Controller struct {
	provider  memstats.Provider
	reclaimer reclaim.Reclaimer
	sink      Sink

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.RWMutex
	config      Config
	state       ControllerState
	snapshot    memstats.UsageSnapshot
	hasSnapshot bool
	report      Report
	hasReport   bool
	loop        *sampleLoop
	closed      bool

	// monitorMu serialises enable/disable so a loop is never started twice
	monitorMu sync.Mutex

	schedMu      sync.Mutex
	scheduler    *cron.Cron
	schedEntry   cron.EntryID
	schedEnabled bool

	runMu sync.Mutex
	runs  sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

type sampleLoop struct {
	stop  chan struct{}
	done  chan struct{}
	reset chan struct{}
}

// New creates a controller with the default configuration. sink may be nil.
func New(provider memstats.Provider, reclaimer reclaim.Reclaimer, sink Sink, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		provider:  provider,
		reclaimer: reclaimer,
		sink:      sink,
		now:       time.Now,
		sleep:     sleepContext,
		config:    DefaultConfig(),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configure replaces the configuration. An invalid configuration is rejected
// and the previous one stays in effect.
func (c *Controller) Configure(cfg Config) error {
	ctx := context.Background()
	if err := cfg.Validate(); err != nil {
		logging.Warn(ctx, logging.ComponentOptimizer, logging.ActionConfigure, "Rejected configuration", logging.Fields{
			"error": err.Error(),
		})
		return err
	}

	c.mu.Lock()
	intervalChanged := cfg.SampleInterval != c.config.SampleInterval
	c.config = cfg.clone()
	loop := c.loop
	c.mu.Unlock()

	if loop != nil && intervalChanged {
		select {
		case loop.reset <- struct{}{}:
		default:
		}
	}

	logging.Info(ctx, logging.ComponentOptimizer, logging.ActionConfigure, "Configuration applied", logging.Fields{
		"empty_working_sets":      cfg.EmptyWorkingSets,
		"clear_file_system_cache": cfg.ClearFileSystemCache,
		"clear_standby_cache":     cfg.ClearStandbyCache,
		"auto_optimize":           cfg.AutoOptimizeEnabled,
		"threshold_percent":       cfg.AutoOptimizeThresholdPercent,
		"sample_interval":         cfg.SampleInterval.String(),
		"exceptions":              len(cfg.ProcessExceptionList),
	})
	return nil
}

// Config returns a copy of the active configuration
func (c *Controller) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.clone()
}

// State returns a copy of the controller state
func (c *Controller) State() ControllerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LatestSnapshot returns the most recent successful usage sample
func (c *Controller) LatestSnapshot() (memstats.UsageSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot, c.hasSnapshot
}

// LatestReport returns the report of the most recently finished run
func (c *Controller) LatestReport() (Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report, c.hasReport
}

// EnableMonitor samples immediately and then every SampleInterval until
// DisableMonitor. Enabling an enabled or closed monitor is a no-op.
func (c *Controller) EnableMonitor(ctx context.Context) {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()

	c.mu.Lock()
	if c.state.MonitorEnabled || c.closed {
		c.mu.Unlock()
		return
	}
	c.state.MonitorEnabled = true
	interval := c.config.SampleInterval
	c.mu.Unlock()

	logging.Info(ctx, logging.ComponentMonitor, logging.ActionEnable, "Memory monitor enabled", logging.Fields{
		"sample_interval": interval.String(),
	})
	c.publishLifecycle(ctx, LifecycleEvent{Kind: LifecycleMonitorEnabled})

	c.sampleOnce(ctx)

	loop := &sampleLoop{
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		reset: make(chan struct{}, 1),
	}
	c.mu.Lock()
	c.loop = loop
	if c.config.SampleInterval != interval {
		// reconfigured while the first sample ran
		loop.reset <- struct{}{}
	}
	c.mu.Unlock()

	go c.runSampleLoop(loop, interval)
}

// DisableMonitor stops periodic sampling and waits for the sampling goroutine
// to exit. Runs already in flight are not cancelled.
func (c *Controller) DisableMonitor() {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()

	c.mu.Lock()
	if !c.state.MonitorEnabled {
		c.mu.Unlock()
		return
	}
	c.state.MonitorEnabled = false
	loop := c.loop
	c.loop = nil
	c.mu.Unlock()

	if loop != nil {
		close(loop.stop)
		<-loop.done
	}

	ctx := context.Background()
	logging.Info(ctx, logging.ComponentMonitor, logging.ActionDisable, "Memory monitor disabled")
	c.publishLifecycle(ctx, LifecycleEvent{Kind: LifecycleMonitorDisabled})
}

func (c *Controller) runSampleLoop(loop *sampleLoop, interval time.Duration) {
	defer close(loop.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-loop.stop:
			return
		case <-c.baseCtx.Done():
			return
		case <-loop.reset:
			if next := c.Config().SampleInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-ticker.C:
			c.sampleOnce(c.baseCtx)
		}
	}
}

// sampleOnce performs one sampling cycle. A failed sample is skipped and the
// next tick tries again.
func (c *Controller) sampleOnce(ctx context.Context) {
	snapshot, err := c.sample(ctx)
	if err != nil {
		logging.Warn(ctx, logging.ComponentMonitor, logging.ActionSample, "Memory sample failed", logging.Fields{
			"error": err.Error(),
		})
		c.publishLifecycle(ctx, LifecycleEvent{Kind: LifecycleSampleFailed, Err: err})
		return
	}

	c.storeSnapshot(snapshot)
	c.publishUsage(ctx, snapshot)

	logging.Debug(ctx, logging.ComponentMonitor, logging.ActionSample, "Memory sampled", logging.Fields{
		"usage_percent": snapshot.UsagePercent,
		"used_bytes":    snapshot.UsedBytes,
	})

	if c.claimThresholdTrigger(snapshot) {
		if _, err := c.Launch(ScopeFull, TriggerThreshold); err != nil {
			logging.Debug(ctx, logging.ComponentMonitor, logging.ActionTrigger, "Threshold run not started", logging.Fields{
				"error": err.Error(),
			})
		}
	}
}

// claimThresholdTrigger decides whether snapshot starts an automatic run and,
// if so, stamps LastAutoOptimize under the same lock so that no concurrent
// sample can claim the same window.
func (c *Controller) claimThresholdTrigger(snapshot memstats.UsageSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := c.config
	if !cfg.AutoOptimizeEnabled || snapshot.UsagePercent < cfg.AutoOptimizeThresholdPercent {
		return false
	}

	now := c.now()
	if since := now.Sub(c.state.LastAutoOptimize); since <= cfg.DebounceWindow {
		logging.Debug(context.Background(), logging.ComponentMonitor, logging.ActionDebounce, "Threshold exceeded within debounce window", logging.Fields{
			"usage_percent": snapshot.UsagePercent,
			"since_last":    since.String(),
		})
		return false
	}

	c.state.LastAutoOptimize = now
	logging.Info(context.Background(), logging.ComponentMonitor, logging.ActionTrigger, "Usage above threshold, starting optimization", logging.Fields{
		"usage_percent":     snapshot.UsagePercent,
		"threshold_percent": cfg.AutoOptimizeThresholdPercent,
	})
	return true
}

func (c *Controller) storeSnapshot(snapshot memstats.UsageSnapshot) {
	c.mu.Lock()
	c.snapshot = snapshot
	c.hasSnapshot = true
	c.mu.Unlock()
}

// Close stops the monitor and the schedule, then waits for in-flight runs
// until ctx expires. Runs still going at that point are cancelled. A closed
// controller starts no new monitor, timer or detached run.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.DisableMonitor()

	c.schedMu.Lock()
	if c.scheduler != nil {
		stopped := c.scheduler.Stop()
		c.scheduler = nil
		c.schedEntry = 0
		c.schedEnabled = false
		c.schedMu.Unlock()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	} else {
		c.schedMu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		c.runs.Wait()
		close(done)
	}()

	defer c.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admitRun registers a detached run unless the controller is closing. Close
// sets closed under the same lock before it waits on runs.
func (c *Controller) admitRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.runs.Add(1)
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
