package optimizer

import (
	"context"
	"errors"
	"sync"
	"time"

	"memoptimizer/internal/memstats"
	"memoptimizer/internal/reclaim"
)

const testTotal = 16_000_000_000

// fakeProvider returns the queued used-byte readings in order and then keeps
// repeating the last one
type fakeProvider struct {
	mu    sync.Mutex
	used  []float64
	err   error
	calls int
}

func newFakeProvider(used ...float64) *fakeProvider {
	return &fakeProvider{used: used}
}

func (p *fakeProvider) Sample(ctx context.Context) (memstats.UsageSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return memstats.UsageSnapshot{}, p.err
	}
	used := p.used[0]
	if len(p.used) > 1 {
		p.used = p.used[1:]
	}
	return memstats.NewUsageSnapshot(testTotal, testTotal-used, time.Unix(1700000000, 0))
}

func (p *fakeProvider) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeReclaimer struct {
	mu             sync.Mutex
	trims          int
	clears         int
	includeStandby []bool
	exceptions     []string
	trimErr        error
	clearErr       error
	trimPanic      bool

	// when set, TrimWorkingSets signals started and waits for release
	started chan struct{}
	release chan struct{}
}

func (r *fakeReclaimer) TrimWorkingSets(ctx context.Context, exceptions []string) (reclaim.TrimResult, error) {
	r.mu.Lock()
	r.trims++
	r.exceptions = exceptions
	started, release := r.started, r.release
	r.mu.Unlock()

	if started != nil {
		started <- struct{}{}
		<-release
	}
	if r.trimPanic {
		panic("boom")
	}
	if r.trimErr != nil {
		return reclaim.TrimResult{}, r.trimErr
	}
	return reclaim.TrimResult{Trimmed: 3, Skipped: 1}, nil
}

func (r *fakeReclaimer) ClearFileSystemCache(ctx context.Context, includeStandby bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
	r.includeStandby = append(r.includeStandby, includeStandby)
	return r.clearErr
}

func (r *fakeReclaimer) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trims, r.clears
}

type recordingSink struct {
	mu        sync.Mutex
	usage     []memstats.UsageSnapshot
	totals    []memstats.HumanTotals
	reports   []Report
	messages  []string
	lifecycle []LifecycleEvent
	panics    bool
}

func (s *recordingSink) PublishUsage(snapshot memstats.UsageSnapshot, totals memstats.HumanTotals) {
	s.mu.Lock()
	s.usage = append(s.usage, snapshot)
	s.totals = append(s.totals, totals)
	s.mu.Unlock()
	if s.panics {
		panic("sink exploded")
	}
}

func (s *recordingSink) PublishReport(report Report, message string) {
	s.mu.Lock()
	s.reports = append(s.reports, report)
	s.messages = append(s.messages, message)
	s.mu.Unlock()
	if s.panics {
		panic("sink exploded")
	}
}

func (s *recordingSink) PublishLifecycle(event LifecycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = append(s.lifecycle, event)
}

func (s *recordingSink) usageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.usage)
}

func (s *recordingSink) reportList() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.reports...)
}

func (s *recordingSink) lifecycleCount(kind LifecycleKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.lifecycle {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingSleeper records settle delays without waiting
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

var errSampleFailed = errors.New("meminfo unreadable")
