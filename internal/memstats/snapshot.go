// Package memstats samples physical memory usage of the host.
package memstats

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const bytesPerGiB = 1024 * 1024 * 1024

// UsageSnapshot is one immutable memory reading
type UsageSnapshot struct {
	TotalBytes     float64   `json:"total_bytes"`
	UsedBytes      float64   `json:"used_bytes"`
	AvailableBytes float64   `json:"available_bytes"`
	UsagePercent   float64   `json:"usage_percent"`
	Timestamp      time.Time `json:"timestamp"`
}

// HumanTotals are the display strings shown next to the usage gauge
type HumanTotals struct {
	TotalGB     string `json:"total_gb"`
	AvailableGB string `json:"available_gb"`
}

// Provider reads total and available physical memory from the OS
type Provider interface {
	Sample(ctx context.Context) (UsageSnapshot, error)
}

// StatsUnavailableError is returned when the OS memory query fails
type StatsUnavailableError struct {
	Op  string
	Err error
}

func (e *StatsUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("memory statistics unavailable: %s", e.Op)
	}
	return fmt.Sprintf("memory statistics unavailable: %s: %v", e.Op, e.Err)
}

func (e *StatsUnavailableError) Unwrap() error { return e.Err }

// IsStatsUnavailable reports whether err is a StatsUnavailableError
func IsStatsUnavailable(err error) bool {
	var target *StatsUnavailableError
	return errors.As(err, &target)
}

// NewUsageSnapshot derives a snapshot from total and available bytes. Total
// must be positive and available must lie in [0, total]; anything else is a
// bad reading and returns StatsUnavailableError.
func NewUsageSnapshot(totalBytes, availableBytes float64, at time.Time) (UsageSnapshot, error) {
	if totalBytes <= 0 {
		return UsageSnapshot{}, &StatsUnavailableError{
			Op:  "derive usage",
			Err: fmt.Errorf("total memory must be positive, got %.0f", totalBytes),
		}
	}
	if availableBytes < 0 || availableBytes > totalBytes {
		return UsageSnapshot{}, &StatsUnavailableError{
			Op:  "derive usage",
			Err: fmt.Errorf("available memory %.0f outside [0, %.0f]", availableBytes, totalBytes),
		}
	}

	used := totalBytes - availableBytes
	return UsageSnapshot{
		TotalBytes:     totalBytes,
		UsedBytes:      used,
		AvailableBytes: availableBytes,
		UsagePercent:   used / totalBytes * 100,
		Timestamp:      at,
	}, nil
}

// HumanTotals renders total and available memory in GiB with two decimals
func (s UsageSnapshot) HumanTotals() HumanTotals {
	return HumanTotals{
		TotalGB:     fmt.Sprintf("%.2f", s.TotalBytes/bytesPerGiB),
		AvailableGB: fmt.Sprintf("%.2f", s.AvailableBytes/bytesPerGiB),
	}
}

// Valid reports whether the snapshot carries a real reading
func (s UsageSnapshot) Valid() bool {
	return s.TotalBytes > 0
}
