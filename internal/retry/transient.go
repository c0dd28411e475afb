package retry

import (
	"errors"
	"syscall"

	"github.com/BaSui01/enzymeflow/types"
)

// transientErrnos are filesystem conditions that usually clear on their own
// (network filesystems, briefly locked files, interrupted syscalls).
var transientErrnos = []syscall.Errno{
	syscall.EAGAIN,
	syscall.EBUSY,
	syscall.EINTR,
	syscall.ETIMEDOUT,
	syscall.ESTALE,
}

// IsTransientIO reports whether err is a storage error worth retrying:
// either a structured error marked retryable or a transient errno.
func IsTransientIO(err error) bool {
	if err == nil {
		return false
	}
	if types.IsRetryable(err) {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// StoragePolicy returns a copy of base that only retries transient storage errors.
func StoragePolicy(base *RetryPolicy) *RetryPolicy {
	if base == nil {
		base = DefaultRetryPolicy()
	}
	p := *base
	p.ShouldRetry = IsTransientIO
	return &p
}
