package reclaim

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned on platforms without a reclamation backend
var ErrUnsupported = errors.New("memory reclamation is not supported on this platform")

// errNothingToTrim marks processes without pageable mappings (kernel threads,
// zombies). They are counted as skipped, not failed.
var errNothingToTrim = errors.New("no pageable mappings")

// ReclamationActionError reports that one reclaim action failed as a whole
type ReclamationActionError struct {
	Action string
	Err    error
}

func (e *ReclamationActionError) Error() string {
	return fmt.Sprintf("reclamation action %s failed: %v", e.Action, e.Err)
}

func (e *ReclamationActionError) Unwrap() error { return e.Err }

// InsufficientPrivilegeError is returned when the OS refuses an action for
// lack of privileges (typically dropping caches as non-root)
type InsufficientPrivilegeError struct {
	Action string
	Err    error
}

func (e *InsufficientPrivilegeError) Error() string {
	return fmt.Sprintf("insufficient privilege for %s: %v", e.Action, e.Err)
}

func (e *InsufficientPrivilegeError) Unwrap() error { return e.Err }

// IsInsufficientPrivilege reports whether err is an InsufficientPrivilegeError
func IsInsufficientPrivilege(err error) bool {
	var target *InsufficientPrivilegeError
	return errors.As(err, &target)
}
