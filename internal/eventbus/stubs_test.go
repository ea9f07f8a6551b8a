package eventbus

import (
	"context"
	"time"

	"memoptimizer/internal/memstats"
	"memoptimizer/internal/reclaim"
)

type stubProvider struct{}

func (stubProvider) Sample(context.Context) (memstats.UsageSnapshot, error) {
	return memstats.NewUsageSnapshot(8<<30, 4<<30, time.Now())
}

type stubReclaimer struct{}

func (stubReclaimer) TrimWorkingSets(context.Context, []string) (reclaim.TrimResult, error) {
	return reclaim.TrimResult{Trimmed: 1}, nil
}

func (stubReclaimer) ClearFileSystemCache(context.Context, bool) error { return nil }

func noSleep(context.Context, time.Duration) error { return nil }
