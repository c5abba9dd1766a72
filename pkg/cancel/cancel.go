// Package cancel provides the stop signal shared by every execution context of a
// benchmark run.
//
// Two realizations exist:
//   - Flag: an atomic.Bool for workers sharing the controller's address space
//   - Shared: an atomic word in a shared memory page that can be handed to a
//     child process as a file descriptor when the process is created
//
// Both are monotonic. Once set, a token stays set for the rest of the run.
package cancel

import "errors"

// ErrUnsupported is returned when a token realization is unavailable on this platform.
var ErrUnsupported = errors.New("cancel: shared token not supported on this platform")

// Token is a single-writer, multi-reader stop flag.
//
// Implementations must be safe for concurrent use:
//   - Any number of goroutines may call IsSet concurrently
//   - Set may be called concurrently with IsSet, and more than once
type Token interface {
	// Set requests a stop. Subsequent calls are no-ops.
	Set()

	// IsSet reports whether a stop has been requested.
	IsSet() bool
}
