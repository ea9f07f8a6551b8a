package memstats

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMeminfo(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(content), 0644))
	return dir
}

func TestNewUsageSnapshot_PercentMatchesDefinition(t *testing.T) {
	cases := []struct{ total, available float64 }{
		{16 * bytesPerGiB, 4 * bytesPerGiB},
		{8_000_000_000, 0},
		{8_000_000_000, 8_000_000_000},
		{1, 0.25},
		{123456789, 98765432},
	}
	for _, c := range cases {
		snap, err := NewUsageSnapshot(c.total, c.available, time.Unix(0, 0))
		require.NoError(t, err)

		want := (c.total - c.available) / c.total * 100
		assert.InDelta(t, want, snap.UsagePercent, 1e-9)
		assert.Equal(t, c.total-c.available, snap.UsedBytes)
		assert.True(t, snap.Valid())
	}
}

func TestNewUsageSnapshot_RejectsNonPositiveTotal(t *testing.T) {
	for _, total := range []float64{0, -1} {
		_, err := NewUsageSnapshot(total, 0, time.Now())
		require.Error(t, err)
		assert.True(t, IsStatsUnavailable(err))
	}
	assert.False(t, UsageSnapshot{}.Valid())
}

func TestNewUsageSnapshot_RejectsAvailableOutOfRange(t *testing.T) {
	for _, available := range []float64{150, -5} {
		_, err := NewUsageSnapshot(100, available, time.Now())
		require.Error(t, err)
		assert.True(t, IsStatsUnavailable(err), "available=%v", available)
	}

	snap, err := NewUsageSnapshot(100, 100, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.UsagePercent)

	snap, err = NewUsageSnapshot(100, 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.UsagePercent)
}

func TestHumanTotals(t *testing.T) {
	snap, err := NewUsageSnapshot(16*bytesPerGiB, 5.5*bytesPerGiB, time.Now())
	require.NoError(t, err)

	totals := snap.HumanTotals()
	assert.Equal(t, "16.00", totals.TotalGB)
	assert.Equal(t, "5.50", totals.AvailableGB)
}

func TestProcProvider_Sample(t *testing.T) {
	dir := writeMeminfo(t, `MemTotal:       16384000 kB
MemFree:         1024000 kB
MemAvailable:    4096000 kB
Buffers:          256000 kB
Cached:          2048000 kB
`)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	provider := NewProcProvider(dir)
	provider.now = func() time.Time { return fixed }

	snap, err := provider.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, float64(16384000*1024), snap.TotalBytes)
	assert.Equal(t, float64(4096000*1024), snap.AvailableBytes)
	assert.InDelta(t, 75.0, snap.UsagePercent, 1e-9)
	assert.Equal(t, fixed, snap.Timestamp)
}

func TestProcProvider_FallsBackWithoutMemAvailable(t *testing.T) {
	dir := writeMeminfo(t, `MemTotal:       1000 kB
MemFree:         100 kB
Buffers:          50 kB
Cached:          100 kB
`)
	snap, err := NewProcProvider(dir).Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 75.0, snap.UsagePercent, 1e-9)
}

func TestProcProvider_Failures(t *testing.T) {
	t.Run("missing mount point", func(t *testing.T) {
		_, err := NewProcProvider(filepath.Join(t.TempDir(), "nope")).Sample(context.Background())
		require.Error(t, err)
		assert.True(t, IsStatsUnavailable(err))
	})

	t.Run("missing meminfo", func(t *testing.T) {
		_, err := NewProcProvider(t.TempDir()).Sample(context.Background())
		require.Error(t, err)
		var statsErr *StatsUnavailableError
		require.True(t, errors.As(err, &statsErr))
		assert.Equal(t, "read meminfo", statsErr.Op)
	})

	t.Run("missing MemTotal", func(t *testing.T) {
		dir := writeMeminfo(t, "MemFree: 100 kB\n")
		_, err := NewProcProvider(dir).Sample(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MemTotal")
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewProcProvider(DefaultProcPath).Sample(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestStatsUnavailableError_Message(t *testing.T) {
	err := &StatsUnavailableError{Op: "read meminfo", Err: errors.New("permission denied")}
	assert.Equal(t, "memory statistics unavailable: read meminfo: permission denied", err.Error())
}
