package optimizer

import (
	"fmt"
	"math"
	"time"
)

const (
	// MinAutoOptimizeThreshold is the lowest accepted threshold. Lower values
	// would keep the machine reclaiming memory it is actively using.
	MinAutoOptimizeThreshold = 25.0
	// MaxAutoOptimizeThreshold is the highest meaningful usage percentage
	MaxAutoOptimizeThreshold = 100.0

	// DefaultDebounceWindow is the hard floor between two threshold-triggered
	// runs. It is independent of the auto-optimize interval.
	DefaultDebounceWindow = 10 * time.Second
	// DefaultSettleDelay is the wait after trimming working sets before usage
	// is measured again.
	DefaultSettleDelay = 10 * time.Second

	DefaultSampleInterval       = 5 * time.Second
	DefaultAutoOptimizeInterval = time.Hour
	DefaultThreshold            = 80.0
)

// Config controls which reclamation actions run and when
type Config struct {
	EmptyWorkingSets     bool
	ClearFileSystemCache bool
	ClearStandbyCache    bool
	// ShowStatistics gates the user-facing notification after a run
	ShowStatistics bool

	AutoOptimizeEnabled          bool
	AutoOptimizeThresholdPercent float64

	SampleInterval       time.Duration
	AutoOptimizeInterval time.Duration
	SettleDelay          time.Duration
	DebounceWindow       time.Duration

	ProcessExceptionList []string

	// ExclusiveRuns rejects a run while another one is in flight instead of
	// letting a manual run overlap an automatic one.
	ExclusiveRuns bool
}

// DefaultConfig returns the out-of-the-box configuration
func DefaultConfig() Config {
	return Config{
		EmptyWorkingSets:             true,
		ClearFileSystemCache:         true,
		ClearStandbyCache:            true,
		ShowStatistics:               true,
		AutoOptimizeEnabled:          false,
		AutoOptimizeThresholdPercent: DefaultThreshold,
		SampleInterval:               DefaultSampleInterval,
		AutoOptimizeInterval:         DefaultAutoOptimizeInterval,
		SettleDelay:                  DefaultSettleDelay,
		DebounceWindow:               DefaultDebounceWindow,
	}
}

// ConfigurationError rejects an invalid setting. Values are never clamped.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// Validate checks every field the controller depends on
func (c Config) Validate() error {
	if c.SampleInterval <= 0 {
		return &ConfigurationError{Field: "sample_interval", Reason: fmt.Sprintf("must be positive, got %s", c.SampleInterval)}
	}
	if math.IsNaN(c.AutoOptimizeThresholdPercent) || c.AutoOptimizeThresholdPercent < MinAutoOptimizeThreshold {
		return &ConfigurationError{
			Field:  "auto_optimize_threshold_percent",
			Reason: fmt.Sprintf("must be at least %.0f, got %v", MinAutoOptimizeThreshold, c.AutoOptimizeThresholdPercent),
		}
	}
	if c.AutoOptimizeThresholdPercent > MaxAutoOptimizeThreshold {
		return &ConfigurationError{
			Field:  "auto_optimize_threshold_percent",
			Reason: fmt.Sprintf("must be at most %.0f, got %v", MaxAutoOptimizeThreshold, c.AutoOptimizeThresholdPercent),
		}
	}
	if c.AutoOptimizeInterval <= 0 {
		return &ConfigurationError{Field: "auto_optimize_interval", Reason: fmt.Sprintf("must be positive, got %s", c.AutoOptimizeInterval)}
	}
	if c.SettleDelay < 0 {
		return &ConfigurationError{Field: "settle_delay", Reason: "must not be negative"}
	}
	if c.DebounceWindow < 0 {
		return &ConfigurationError{Field: "debounce_window", Reason: "must not be negative"}
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	if c.ProcessExceptionList != nil {
		out.ProcessExceptionList = append([]string(nil), c.ProcessExceptionList...)
	}
	return out
}
