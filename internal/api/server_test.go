package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoptimizer/internal/eventbus"
	"memoptimizer/internal/fleet"
	"memoptimizer/internal/history"
	"memoptimizer/internal/memstats"
	"memoptimizer/internal/optimizer"
)

type fakeController struct {
	mu          sync.Mutex
	snapshot    *memstats.UsageSnapshot
	report      *optimizer.Report
	launched    []optimizer.Scope
	ran         []optimizer.Scope
	monitor     bool
	timerOn     bool
	interval    time.Duration
	timerErr    error
	runResponse optimizer.Report
	closed      bool
}

func (f *fakeController) LatestSnapshot() (memstats.UsageSnapshot, bool) {
	if f.snapshot == nil {
		return memstats.UsageSnapshot{}, false
	}
	return *f.snapshot, true
}

func (f *fakeController) LatestReport() (optimizer.Report, bool) {
	if f.report == nil {
		return optimizer.Report{}, false
	}
	return *f.report, true
}

func (f *fakeController) RunOptimization(ctx context.Context, scope optimizer.Scope) optimizer.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, scope)
	r := f.runResponse
	r.Scope = scope
	return r
}

func (f *fakeController) Launch(scope optimizer.Scope, trigger optimizer.Trigger) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", optimizer.ErrClosed
	}
	f.launched = append(f.launched, scope)
	return "run-42", nil
}

func (f *fakeController) EnableMonitor(context.Context) { f.monitor = true }
func (f *fakeController) DisableMonitor()               { f.monitor = false }

func (f *fakeController) SetAutoOptimizeTimer(enabled bool, interval time.Duration) error {
	if f.timerErr != nil {
		return f.timerErr
	}
	f.timerOn = enabled
	if interval > 0 {
		f.interval = interval
	}
	return nil
}

func (f *fakeController) AutoOptimizeTimer() (bool, time.Duration) { return f.timerOn, f.interval }

func (f *fakeController) State() optimizer.ControllerState {
	return optimizer.ControllerState{MonitorEnabled: f.monitor}
}

type fakeHistory []optimizer.Report

func (h fakeHistory) Recent(n int) []optimizer.Report {
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}

func (h fakeHistory) Stats() history.Stats {
	return history.Stats{Retained: len(h), FileEntries: len(h)}
}

func (h fakeHistory) Compact(ctx context.Context) error { return nil }

type fakePeers []fleet.Peer

func (p fakePeers) Peers() []fleet.Peer { return p }

func (p fakePeers) QueryUsage(timeout time.Duration) (map[string]memstats.UsageSnapshot, error) {
	out := make(map[string]memstats.UsageSnapshot, len(p))
	for _, peer := range p {
		s, err := memstats.NewUsageSnapshot(peer.TotalBytes, peer.TotalBytes-peer.UsedBytes, time.Unix(0, 0))
		if err != nil {
			return nil, err
		}
		out[peer.Name] = s
	}
	return out, nil
}

type fakeEvents struct{ published int64 }

func (e fakeEvents) Metrics() eventbus.Metrics {
	return eventbus.Metrics{EventsPublished: e.published, ActiveSubscribers: 3}
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealthCarriesCorrelationID(t *testing.T) {
	s := New(Options{NodeID: "node-a", Controller: &fakeController{}})

	rec, body := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "node-a", body["node"])
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, rec.Header().Get("X-Correlation-ID"), body["correlation_id"])
}

func TestMemoryEndpoint(t *testing.T) {
	ctrl := &fakeController{}
	s := New(Options{Controller: ctrl})

	rec, _ := do(t, s.Handler(), http.MethodGet, "/api/memory", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	snapshot, err := memstats.NewUsageSnapshot(8<<30, 2<<30, time.Now())
	require.NoError(t, err)
	ctrl.snapshot = &snapshot

	rec, body := do(t, s.Handler(), http.MethodGet, "/api/memory", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 75.0, body["usage_percent"])
	totals := body["totals"].(map[string]interface{})
	assert.Equal(t, "8.00", totals["total_gb"])
	assert.Equal(t, "2.00", totals["available_gb"])
}

func TestReportEndpoints(t *testing.T) {
	ctrl := &fakeController{}
	r1 := optimizer.NewReport(8_000_000_000, 7_500_000_000)
	r1.RunID = "r1"
	r2 := optimizer.NewReport(6_000_000_000, 6_200_000_000)
	r2.RunID = "r2"
	s := New(Options{Controller: ctrl, History: fakeHistory{r2, r1}})

	rec, _ := do(t, s.Handler(), http.MethodGet, "/api/report", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ctrl.report = &r1
	rec, body := do(t, s.Handler(), http.MethodGet, "/api/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r1", body["run_id"])
	assert.Equal(t, "You saved 476.84 MB of RAM!", body["message"])
	assert.Equal(t, "decrease", body["outcome"])

	rec, body = do(t, s.Handler(), http.MethodGet, "/api/reports?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["count"])
	first := body["reports"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Looks like your RAM usage has increased with 190.73 MB!", first["message"])

	rec, _ = do(t, s.Handler(), http.MethodGet, "/api/reports?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportsWithoutHistory(t *testing.T) {
	s := New(Options{Controller: &fakeController{}})
	rec, body := do(t, s.Handler(), http.MethodGet, "/api/reports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{}, body["reports"])
}

func TestOptimizeEndpoint(t *testing.T) {
	ctrl := &fakeController{runResponse: optimizer.NewReport(3<<20, 1<<20)}
	s := New(Options{Controller: ctrl})

	rec, body := do(t, s.Handler(), http.MethodPost, "/api/optimize?scope=cache", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "run-42", body["run_id"])
	assert.Equal(t, []optimizer.Scope{optimizer.ScopeCacheOnly}, ctrl.launched)

	rec, body = do(t, s.Handler(), http.MethodPost, "/api/optimize?scope=working-sets&wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "You saved 2.00 MB of RAM!", body["message"])
	assert.Equal(t, "working-sets", body["scope"])
	assert.Equal(t, []optimizer.Scope{optimizer.ScopeWorkingSetsOnly}, ctrl.ran)

	rec, _ = do(t, s.Handler(), http.MethodPost, "/api/optimize?scope=everything", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s.Handler(), http.MethodGet, "/api/optimize", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestOptimizeEndpointAfterClose(t *testing.T) {
	s := New(Options{Controller: &fakeController{closed: true}})

	rec, body := do(t, s.Handler(), http.MethodPost, "/api/optimize?scope=full", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, optimizer.ErrClosed.Error(), body["error"])
}

func TestMonitorEndpoint(t *testing.T) {
	ctrl := &fakeController{}
	s := New(Options{Controller: ctrl})

	rec, body := do(t, s.Handler(), http.MethodPost, "/api/monitor", `{"enabled": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["monitor_enabled"])

	rec, _ = do(t, s.Handler(), http.MethodPost, "/api/monitor", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ctrl.monitor)

	rec, _ = do(t, s.Handler(), http.MethodPost, "/api/monitor", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAutoOptimizeEndpoint(t *testing.T) {
	ctrl := &fakeController{interval: time.Hour}
	s := New(Options{Controller: ctrl})

	rec, body := do(t, s.Handler(), http.MethodPut, "/api/auto-optimize", `{"enabled": true, "interval": "30m"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, "30m0s", body["interval"])

	rec, _ = do(t, s.Handler(), http.MethodPut, "/api/auto-optimize", `{"enabled": true, "interval": "soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ctrl.timerErr = &optimizer.ConfigurationError{Field: "auto_optimize_interval", Reason: "must be positive"}
	rec, body = do(t, s.Handler(), http.MethodPut, "/api/auto-optimize", `{"enabled": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "auto_optimize_interval")
}

func TestFleetAndMetricsEndpoints(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("memoptimizer_memory_usage_percent 50\n"))
	})

	disabled := New(Options{Controller: &fakeController{}})
	_, body := do(t, disabled.Handler(), http.MethodGet, "/api/fleet", "")
	assert.Equal(t, false, body["enabled"])
	assert.Equal(t, []interface{}{}, body["peers"])

	enabled := New(Options{
		Controller: &fakeController{},
		Peers:      fakePeers{{Name: "db-1", Status: fleet.StatusAlive, UsagePercent: 91.5}},
		Metrics:    metrics,
	})
	_, body = do(t, enabled.Handler(), http.MethodGet, "/api/fleet", "")
	peers := body["peers"].([]interface{})
	require.Len(t, peers, 1)
	assert.Equal(t, "db-1", peers[0].(map[string]interface{})["name"])

	rec, _ := do(t, enabled.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "memoptimizer_memory_usage_percent")
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s := New(Options{Addr: "127.0.0.1:0", Controller: &fakeController{}})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestHealthIncludesHistoryAndEventStats(t *testing.T) {
	r := optimizer.NewReport(3<<20, 1<<20)
	s := New(Options{
		Controller: &fakeController{},
		History:    fakeHistory{r, r},
		Events:     fakeEvents{published: 12},
	})

	rec, body := do(t, s.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	events := body["events"].(map[string]interface{})
	assert.Equal(t, 12.0, events["events_published"])
	assert.Equal(t, 3.0, events["active_subscribers"])
	hist := body["history"].(map[string]interface{})
	assert.Equal(t, 2.0, hist["retained"])

	bare := New(Options{Controller: &fakeController{}})
	_, body = do(t, bare.Handler(), http.MethodGet, "/health", "")
	assert.NotContains(t, body, "events")
	assert.NotContains(t, body, "history")
}

func TestCompactEndpoint(t *testing.T) {
	without := New(Options{Controller: &fakeController{}})
	rec, _ := do(t, without.Handler(), http.MethodPost, "/api/reports/compact", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	r := optimizer.NewReport(3<<20, 1<<20)
	with := New(Options{Controller: &fakeController{}, History: fakeHistory{r}})
	rec, body := do(t, with.Handler(), http.MethodPost, "/api/reports/compact", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["file_entries"])
}

func TestFleetLiveUsage(t *testing.T) {
	s := New(Options{
		Controller: &fakeController{},
		Peers:      fakePeers{{Name: "db-1", TotalBytes: 1000, UsedBytes: 250}},
	})

	_, body := do(t, s.Handler(), http.MethodGet, "/api/fleet", "")
	assert.NotContains(t, body, "usage")

	rec, body := do(t, s.Handler(), http.MethodGet, "/api/fleet?live=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	usage := body["usage"].(map[string]interface{})
	db := usage["db-1"].(map[string]interface{})
	assert.Equal(t, 25.0, db["usage_percent"])
}
