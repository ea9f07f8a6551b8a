package memstats

import (
	"context"
	"time"

	"github.com/prometheus/procfs"
)

// DefaultProcPath is where procfs is mounted on a normal Linux host
const DefaultProcPath = procfs.DefaultMountPoint

// ProcProvider reads /proc/meminfo. A non-default mount point lets the
// daemon run in a container with the host's /proc bind-mounted elsewhere.
type ProcProvider struct {
	mountPoint string
	now        func() time.Time
}

// NewProcProvider creates a provider for the procfs mounted at mountPoint
func NewProcProvider(mountPoint string) *ProcProvider {
	if mountPoint == "" {
		mountPoint = DefaultProcPath
	}
	return &ProcProvider{mountPoint: mountPoint, now: time.Now}
}

// Sample implements Provider
func (p *ProcProvider) Sample(ctx context.Context) (UsageSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return UsageSnapshot{}, &StatsUnavailableError{Op: "sample", Err: err}
	}

	fs, err := procfs.NewFS(p.mountPoint)
	if err != nil {
		return UsageSnapshot{}, &StatsUnavailableError{Op: "open procfs", Err: err}
	}

	info, err := fs.Meminfo()
	if err != nil {
		return UsageSnapshot{}, &StatsUnavailableError{Op: "read meminfo", Err: err}
	}

	if info.MemTotal == nil {
		return UsageSnapshot{}, &StatsUnavailableError{Op: "read meminfo", Err: errMissingField("MemTotal")}
	}

	// meminfo values are in kB
	total := float64(*info.MemTotal) * 1024
	available, ok := availableKB(info)
	if !ok {
		return UsageSnapshot{}, &StatsUnavailableError{Op: "read meminfo", Err: errMissingField("MemAvailable")}
	}

	return NewUsageSnapshot(total, float64(available)*1024, p.now())
}

// availableKB prefers MemAvailable and falls back to free+buffers+cached on
// kernels older than 3.14.
func availableKB(info procfs.Meminfo) (uint64, bool) {
	if info.MemAvailable != nil {
		return *info.MemAvailable, true
	}
	if info.MemFree == nil {
		return 0, false
	}
	available := *info.MemFree
	if info.Buffers != nil {
		available += *info.Buffers
	}
	if info.Cached != nil {
		available += *info.Cached
	}
	return available, true
}

type errMissingField string

func (e errMissingField) Error() string {
	return "meminfo field " + string(e) + " not reported"
}
