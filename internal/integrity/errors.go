package integrity

import "errors"

// ErrRuntimeUnavailable marks operations that failed because the container
// engine could not be reached (or the operation timed out). Transient: the
// scheduler retries on the next poll cycle.
var ErrRuntimeUnavailable = errors.New("container runtime unavailable")
