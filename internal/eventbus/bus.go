// Package eventbus fans controller updates out to independent subscribers
// (notifier, history, metrics, fleet) without letting any of them block the
// sampling goroutine.
package eventbus

import (
	"context"
	"sync"
	"time"

	"memoptimizer/internal/logging"
	"memoptimizer/internal/memstats"
	"memoptimizer/internal/optimizer"
)

// EventType identifies what an Event carries
type EventType string

const (
	EventUsageSampled         EventType = "usage_sampled"
	EventOptimizationStarted  EventType = "optimization_started"
	EventOptimizationFinished EventType = "optimization_finished"
	EventMonitorEnabled       EventType = "monitor_enabled"
	EventMonitorDisabled      EventType = "monitor_disabled"
	EventSampleFailed         EventType = "sample_failed"
)

// DefaultBufferSize is the per-subscriber channel capacity
const DefaultBufferSize = 100

// Event is one update delivered to subscribers
type Event struct {
	Type      EventType               `json:"type"`
	Timestamp time.Time               `json:"timestamp"`
	RunID     string                  `json:"run_id,omitempty"`
	Usage     *memstats.UsageSnapshot `json:"usage,omitempty"`
	Totals    *memstats.HumanTotals   `json:"totals,omitempty"`
	Report    *optimizer.Report       `json:"report,omitempty"`
	Message   string                  `json:"message,omitempty"`
	Detail    string                  `json:"detail,omitempty"`
}

// Metrics provides statistics about event distribution
type Metrics struct {
	EventsPublished   int64     `json:"events_published"`
	EventsDelivered   int64     `json:"events_delivered"`
	EventsDropped     int64     `json:"events_dropped"`
	ActiveSubscribers int       `json:"active_subscribers"`
	LastEventTime     time.Time `json:"last_event_time"`
}

// Bus is an in-process publish/subscribe hub. It implements optimizer.Sink
// and optimizer.LifecycleSink.
type Bus struct {
	bufferSize int

	subsMu      sync.RWMutex
	subscribers map[chan Event]map[EventType]struct{}
	closed      bool

	metricsMu sync.Mutex
	metrics   Metrics
}

var (
	_ optimizer.Sink          = (*Bus)(nil)
	_ optimizer.LifecycleSink = (*Bus)(nil)
)

// New creates a bus; bufferSize <= 0 selects DefaultBufferSize
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		bufferSize:  bufferSize,
		subscribers: make(map[chan Event]map[EventType]struct{}),
	}
}

// Subscribe returns a channel receiving the given event types, or every
// event when no type is given. The channel is closed by Unsubscribe or Close.
func (b *Bus) Subscribe(types ...EventType) <-chan Event {
	ch := make(chan Event, b.bufferSize)

	var filter map[EventType]struct{}
	if len(types) > 0 {
		filter = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			filter[t] = struct{}{}
		}
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = filter
	return ch
}

// Unsubscribe removes and closes a subscription
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	for subscriberCh := range b.subscribers {
		if subscriberCh == ch {
			delete(b.subscribers, subscriberCh)
			close(subscriberCh)
			break
		}
	}
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[chan Event]map[EventType]struct{})
}

// Metrics returns a snapshot of the delivery counters
func (b *Bus) Metrics() Metrics {
	b.subsMu.RLock()
	active := len(b.subscribers)
	b.subsMu.RUnlock()

	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	m := b.metrics
	m.ActiveSubscribers = active
	return m
}

// Publish delivers event to every interested subscriber. A subscriber whose
// buffer is full misses the event.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var delivered, dropped int64

	b.subsMu.RLock()
	if b.closed {
		b.subsMu.RUnlock()
		return
	}
	for ch, filter := range b.subscribers {
		if filter != nil {
			if _, ok := filter[event.Type]; !ok {
				continue
			}
		}
		select {
		case ch <- event:
			delivered++
		default:
			dropped++
		}
	}
	b.subsMu.RUnlock()

	b.metricsMu.Lock()
	b.metrics.EventsPublished++
	b.metrics.EventsDelivered += delivered
	b.metrics.EventsDropped += dropped
	b.metrics.LastEventTime = event.Timestamp
	b.metricsMu.Unlock()

	if dropped > 0 {
		logging.Warn(context.Background(), logging.ComponentEventBus, logging.ActionPublish, "Subscriber buffer full, event dropped", logging.Fields{
			"event_type": string(event.Type),
			"dropped":    dropped,
		})
	}
}

// PublishUsage implements optimizer.Sink
func (b *Bus) PublishUsage(snapshot memstats.UsageSnapshot, totals memstats.HumanTotals) {
	b.Publish(Event{
		Type:      EventUsageSampled,
		Timestamp: snapshot.Timestamp,
		Usage:     &snapshot,
		Totals:    &totals,
	})
}

// PublishReport implements optimizer.Sink
func (b *Bus) PublishReport(report optimizer.Report, message string) {
	b.Publish(Event{
		Type:      EventOptimizationFinished,
		Timestamp: report.FinishedAt,
		RunID:     report.RunID,
		Report:    &report,
		Message:   message,
	})
}

// PublishLifecycle implements optimizer.LifecycleSink
func (b *Bus) PublishLifecycle(event optimizer.LifecycleEvent) {
	out := Event{
		Timestamp: event.Timestamp,
		RunID:     event.RunID,
	}
	switch event.Kind {
	case optimizer.LifecycleMonitorEnabled:
		out.Type = EventMonitorEnabled
	case optimizer.LifecycleMonitorDisabled:
		out.Type = EventMonitorDisabled
	case optimizer.LifecycleOptimizationStarted:
		out.Type = EventOptimizationStarted
		out.Detail = event.Scope.String() + "/" + event.Trigger.String()
	case optimizer.LifecycleSampleFailed:
		out.Type = EventSampleFailed
		if event.Err != nil {
			out.Detail = event.Err.Error()
		}
	default:
		return
	}
	b.Publish(out)
}
