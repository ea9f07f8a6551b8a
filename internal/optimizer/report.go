package optimizer

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"memoptimizer/internal/reclaim"
)

const bytesPerMB = 1024 * 1024

// ErrRunInProgress is reported when ExclusiveRuns is set and a run is active
var ErrRunInProgress = errors.New("another optimization run is in progress")

// ErrClosed is returned by Launch once the controller is closing
var ErrClosed = errors.New("optimization controller is closed")

// Scope selects which reclamation actions a run may perform
type Scope int

const (
	ScopeFull Scope = iota
	ScopeWorkingSetsOnly
	ScopeCacheOnly
)

func (s Scope) String() string {
	switch s {
	case ScopeFull:
		return "full"
	case ScopeWorkingSetsOnly:
		return "working-sets"
	case ScopeCacheOnly:
		return "cache"
	default:
		return "unknown"
	}
}

// ParseScope accepts the names produced by Scope.String
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full":
		return ScopeFull, nil
	case "working-sets", "workingsets", "working_sets":
		return ScopeWorkingSetsOnly, nil
	case "cache":
		return ScopeCacheOnly, nil
	default:
		return ScopeFull, fmt.Errorf("unknown optimization scope %q", s)
	}
}

func (s Scope) includesWorkingSets() bool { return s == ScopeFull || s == ScopeWorkingSetsOnly }

func (s Scope) includesCache() bool { return s == ScopeFull || s == ScopeCacheOnly }

func (s Scope) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Trigger records what started a run
type Trigger int

const (
	TriggerManual Trigger = iota
	TriggerThreshold
	TriggerSchedule
)

func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerThreshold:
		return "threshold"
	case TriggerSchedule:
		return "schedule"
	default:
		return "unknown"
	}
}

func (t Trigger) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Trigger) UnmarshalText(text []byte) error {
	switch string(text) {
	case "manual":
		*t = TriggerManual
	case "threshold":
		*t = TriggerThreshold
	case "schedule":
		*t = TriggerSchedule
	default:
		return fmt.Errorf("unknown optimization trigger %q", text)
	}
	return nil
}

// Report is the before/after accounting of one reclamation run. Negative
// savings means usage grew during the run; that is a normal outcome.
type Report struct {
	RunID           string             `json:"run_id"`
	Scope           Scope              `json:"scope"`
	Trigger         Trigger            `json:"trigger"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at"`
	BeforeUsedBytes float64            `json:"before_used_bytes"`
	AfterUsedBytes  float64            `json:"after_used_bytes"`
	SavingsBytes    float64            `json:"savings_bytes"`
	Trim            reclaim.TrimResult `json:"trim"`
	ActionErrors    []string           `json:"action_errors,omitempty"`
	// Error is the text of Err, kept for serialised reports
	Error string `json:"error,omitempty"`
	Err   error  `json:"-"`
}

// NewReport computes the savings between two usage readings
func NewReport(beforeUsedBytes, afterUsedBytes float64) Report {
	return Report{
		BeforeUsedBytes: beforeUsedBytes,
		AfterUsedBytes:  afterUsedBytes,
		SavingsBytes:    beforeUsedBytes - afterUsedBytes,
	}
}

// Failed reports whether the run could not measure its result
func (r Report) Failed() bool {
	return r.Err != nil || r.Error != ""
}

// Increased reports whether usage grew during the run
func (r Report) Increased() bool {
	return r.SavingsBytes < 0
}

// Duration is the wall time of the run
func (r Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Outcome classifies the run as decrease, increase or failed
func (r Report) Outcome() string {
	switch {
	case r.Failed():
		return "failed"
	case r.Increased():
		return "increase"
	default:
		return "decrease"
	}
}

// Message is the human-readable summary shown to the user
func (r Report) Message() string {
	if r.Failed() {
		return fmt.Sprintf("Memory optimization failed: %s", r.errorText())
	}
	mb := FormatMegabytes(math.Abs(r.SavingsBytes))
	if r.Increased() {
		return fmt.Sprintf("Looks like your RAM usage has increased with %s MB!", mb)
	}
	return fmt.Sprintf("You saved %s MB of RAM!", mb)
}

func (r Report) errorText() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return r.Error
}

func (r Report) withError(err error) Report {
	r.Err = err
	r.Error = err.Error()
	return r
}

// FormatMegabytes renders bytes as MiB with two decimals
func FormatMegabytes(bytes float64) string {
	return fmt.Sprintf("%.2f", bytes/bytesPerMB)
}
