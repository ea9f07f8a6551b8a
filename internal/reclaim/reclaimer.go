// Package reclaim performs the OS-level memory reclamation actions: paging
// out process working sets and dropping file-system caches.
package reclaim

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
)

const (
	// DefaultDropCachesPath is the sysctl knob that drops clean caches
	DefaultDropCachesPath = "/proc/sys/vm/drop_caches"

	// Linux truncates process names (comm) to 15 bytes.
	commLength = 15

	dropPageCache         = "1"
	dropPageCacheAndSlabs = "3"
)

// TrimResult counts the outcome of one working-set pass
type TrimResult struct {
	Trimmed int `json:"trimmed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Reclaimer performs the reclamation actions. Both calls may block for a
// long time and must not be made from a timer callback.
type Reclaimer interface {
	TrimWorkingSets(ctx context.Context, exceptions []string) (TrimResult, error)
	ClearFileSystemCache(ctx context.Context, includeStandby bool) error
}

// FileSystem abstracts the sysctl write so tests can run unprivileged
type FileSystem interface {
	WriteFile(filename string, data []byte, perm uint32) error
}

// OSFileSystem implements FileSystem using real OS calls
type OSFileSystem struct{}

// WriteFile writes file content
func (OSFileSystem) WriteFile(filename string, data []byte, perm uint32) error {
	return os.WriteFile(filename, data, os.FileMode(perm))
}

// Process identifies a running process by PID and short name
type Process struct {
	PID  int
	Name string
}

// ProcessSource lists running processes
type ProcessSource interface {
	Processes() ([]Process, error)
}

// Pager asks the OS to page out the resident memory of one process
type Pager interface {
	PageOut(pid int) error
}

// Options configure an OSReclaimer
type Options struct {
	ProcPath       string
	DropCachesPath string
}

// OSReclaimer implements Reclaimer against the running kernel
type OSReclaimer struct {
	dropCachesPath string
	fs             FileSystem
	procs          ProcessSource
	pager          Pager
	syncFS         func() error
}

// NewOSReclaimer builds the platform reclaimer. On platforms without a
// backend the returned reclaimer fails every action with ErrUnsupported.
func NewOSReclaimer(opts Options) *OSReclaimer {
	if opts.DropCachesPath == "" {
		opts.DropCachesPath = DefaultDropCachesPath
	}
	procs, pager, syncFS := platformBackends(opts.ProcPath)
	return newReclaimer(opts.DropCachesPath, OSFileSystem{}, procs, pager, syncFS)
}

func newReclaimer(dropCachesPath string, fsys FileSystem, procs ProcessSource, pager Pager, syncFS func() error) *OSReclaimer {
	return &OSReclaimer{
		dropCachesPath: dropCachesPath,
		fs:             fsys,
		procs:          procs,
		pager:          pager,
		syncFS:         syncFS,
	}
}

// TrimWorkingSets pages out every process not named in exceptions.
// Per-process failures are counted, never returned.
func (r *OSReclaimer) TrimWorkingSets(ctx context.Context, exceptions []string) (TrimResult, error) {
	var result TrimResult

	procs, err := r.procs.Processes()
	if err != nil {
		return result, &ReclamationActionError{Action: "trim_working_sets", Err: err}
	}

	skip := NewExceptionSet(exceptions)
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return result, &ReclamationActionError{Action: "trim_working_sets", Err: err}
		}

		if skip.Contains(p.Name) {
			result.Skipped++
			continue
		}

		switch err := r.pager.PageOut(p.PID); {
		case err == nil:
			result.Trimmed++
		case errors.Is(err, errNothingToTrim):
			result.Skipped++
		default:
			result.Failed++
		}
	}

	return result, nil
}

// ClearFileSystemCache flushes dirty pages and drops the clean page cache,
// plus reclaimable slab objects (dentries, inodes) when includeStandby is set.
func (r *OSReclaimer) ClearFileSystemCache(ctx context.Context, includeStandby bool) error {
	if err := ctx.Err(); err != nil {
		return &ReclamationActionError{Action: "clear_file_system_cache", Err: err}
	}

	if err := r.syncFS(); err != nil {
		return classify("clear_file_system_cache", err)
	}

	value := dropPageCache
	if includeStandby {
		value = dropPageCacheAndSlabs
	}

	if err := r.fs.WriteFile(r.dropCachesPath, []byte(value), 0200); err != nil {
		return classify("clear_file_system_cache", err)
	}
	return nil
}

func classify(action string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return &InsufficientPrivilegeError{Action: action, Err: err}
	}
	return &ReclamationActionError{Action: action, Err: err}
}

// ExceptionSet matches process names against the configured exception list.
// Matching ignores case, surrounding whitespace and a trailing ".exe" so lists
// written for other platforms keep working, and tolerates the kernel's
// truncation of long process names.
type ExceptionSet struct {
	names map[string]struct{}
}

// NewExceptionSet normalises names into a set
func NewExceptionSet(names []string) ExceptionSet {
	set := ExceptionSet{names: make(map[string]struct{}, len(names))}
	for _, name := range names {
		if n := normalizeName(name); n != "" {
			set.names[n] = struct{}{}
		}
	}
	return set
}

// Contains reports whether the process name is excluded from trimming
func (s ExceptionSet) Contains(name string) bool {
	n := normalizeName(name)
	if n == "" {
		return false
	}
	if _, ok := s.names[n]; ok {
		return true
	}
	if len(n) < commLength {
		return false
	}
	for candidate := range s.names {
		if len(candidate) > len(n) && strings.HasPrefix(candidate, n) {
			return true
		}
	}
	return false
}

// Len returns the number of distinct names
func (s ExceptionSet) Len() int {
	return len(s.names)
}

func normalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(n, ".exe")
}
