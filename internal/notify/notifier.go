// Package notify renders optimization results for the person at the
// terminal.
package notify

import (
	"context"
	"fmt"
	"io"
	"sync"

	"memoptimizer/internal/eventbus"
	"memoptimizer/internal/logging"
)

// Notifier prints finished-run messages and, when verbose, a usage gauge
type Notifier struct {
	out     io.Writer
	show    func() bool
	verbose bool

	mu sync.Mutex
}

// New creates a notifier writing to out. show is consulted for every report
// so toggling ShowStatistics takes effect without a restart.
func New(out io.Writer, show func() bool, verbose bool) *Notifier {
	if show == nil {
		show = func() bool { return true }
	}
	return &Notifier{out: out, show: show, verbose: verbose}
}

// Subscribe registers the notifier on bus. Call it before anything publishes
// so no event is missed, then hand the channel to Run.
func (n *Notifier) Subscribe(bus *eventbus.Bus) <-chan eventbus.Event {
	types := []eventbus.EventType{eventbus.EventOptimizationFinished}
	if n.verbose {
		types = append(types, eventbus.EventUsageSampled)
	}
	return bus.Subscribe(types...)
}

// Run consumes events until ctx is done or the bus is closed
func (n *Notifier) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.Handle(ev)
		}
	}
}

// Handle renders a single event
func (n *Notifier) Handle(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.EventOptimizationFinished:
		ctx := logging.WithCorrelationID(context.Background(), ev.RunID)
		logging.Info(ctx, logging.ComponentNotify, logging.ActionSavings, ev.Message)
		if n.show() {
			n.println(ev.Message)
		}
	case eventbus.EventUsageSampled:
		if ev.Usage == nil {
			return
		}
		line := fmt.Sprintf("memory %5.1f%% used", ev.Usage.UsagePercent)
		if ev.Totals != nil {
			line += fmt.Sprintf(" (%s GB available of %s GB)", ev.Totals.AvailableGB, ev.Totals.TotalGB)
		}
		n.println(line)
	}
}

func (n *Notifier) println(line string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintln(n.out, line)
}
