package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoptimizer/internal/eventbus"
	"memoptimizer/internal/memstats"
	"memoptimizer/internal/optimizer"
	"memoptimizer/internal/reclaim"
)

func TestObserveUsage(t *testing.T) {
	e := New(false)
	s, err := memstats.NewUsageSnapshot(16_000_000_000, 4_000_000_000, time.Now())
	require.NoError(t, err)

	e.ObserveUsage(s)

	assert.Equal(t, 16e9, testutil.ToFloat64(e.totalBytes))
	assert.Equal(t, 12e9, testutil.ToFloat64(e.usedBytes))
	assert.Equal(t, 4e9, testutil.ToFloat64(e.availableBytes))
	assert.Equal(t, 75.0, testutil.ToFloat64(e.usagePercent))
}

func TestObserveReport(t *testing.T) {
	e := New(false)

	ok := optimizer.NewReport(8_000_000_000, 7_500_000_000)
	ok.Trigger = optimizer.TriggerThreshold
	ok.Trim = reclaim.TrimResult{Trimmed: 40, Skipped: 3, Failed: 2}
	ok.ActionErrors = []string{"clear_file_system_cache: permission denied"}
	ok.StartedAt = time.Now()
	ok.FinishedAt = ok.StartedAt.Add(11 * time.Second)
	e.ObserveReport(ok)

	grew := optimizer.NewReport(6_000_000_000, 6_200_000_000)
	e.ObserveReport(grew)

	var failed optimizer.Report
	failed.Err = errors.New("meminfo unreadable")
	failed.Error = failed.Err.Error()
	e.ObserveReport(failed)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.optimizations.WithLabelValues("full", "threshold", "decrease")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.optimizations.WithLabelValues("full", "manual", "increase")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.optimizations.WithLabelValues("full", "manual", "failed")))
	assert.Equal(t, 40.0, testutil.ToFloat64(e.processesTrimmed))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.trimFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.actionErrors))
	assert.Equal(t, -200_000_000.0, testutil.ToFloat64(e.lastSavings), "failed runs leave the last savings untouched")
	assert.Equal(t, 1, testutil.CollectAndCount(e.duration))
}

func TestHandlerExposesMetrics(t *testing.T) {
	e := New(true)
	e.ObserveSampleFailure()

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "memoptimizer_sample_failures_total 1")
	assert.Contains(t, text, "go_goroutines")
}

func TestRunConsumesBus(t *testing.T) {
	e := New(false)
	bus := eventbus.New(8)

	events := e.Subscribe(bus)
	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), events)
		close(done)
	}()

	s, err := memstats.NewUsageSnapshot(1000, 100, time.Now())
	require.NoError(t, err)
	bus.PublishUsage(s, s.HumanTotals())
	bus.PublishLifecycle(optimizer.LifecycleEvent{Kind: optimizer.LifecycleSampleFailed, Err: errors.New("x")})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(e.usagePercent) == 90 && testutil.ToFloat64(e.sampleFailures) == 1
	}, time.Second, time.Millisecond)

	bus.Close()
	<-done

	expected := `
# HELP memoptimizer_memory_usage_percent Physical memory usage in percent
# TYPE memoptimizer_memory_usage_percent gauge
memoptimizer_memory_usage_percent 90
`
	require.NoError(t, testutil.CollectAndCompare(e.usagePercent, strings.NewReader(expected)))
}
