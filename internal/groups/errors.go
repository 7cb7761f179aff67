package groups

import (
	"errors"
	"fmt"

	"github.com/relves/swarmgroups/pkg/types"
)

var (
	ErrGroupNotFound = errors.New("group not found")
	ErrKicked        = errors.New("removed from group")
	ErrDestroyed     = errors.New("group destroyed")
)

type permissionDenied struct{}

func (permissionDenied) Error() string   { return "permission denied: admin key required" }
func (permissionDenied) Retryable() bool { return false }

// ErrPermissionDenied is returned by admin-only operations on devices that
// do not hold the admin key. It is never retried.
var ErrPermissionDenied error = permissionDenied{}

// NonRetryableError is a terminal condition for a group: jobs and pollers
// stop retrying it.
type NonRetryableError struct {
	Group types.GroupID
	Err   error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("group %s: %v", e.Group.Short(), e.Err)
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

func (e *NonRetryableError) Retryable() bool { return false }

// NonRetryable wraps err as a NonRetryableError.
func NonRetryable(group types.GroupID, err error) error {
	return &NonRetryableError{Group: group, Err: err}
}

// IsNonRetryable reports whether any error in err's tree declares itself
// not retryable.
func IsNonRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && !r.Retryable()
}
