// Package chainerr defines the closed set of error kinds the gateway
// distinguishes between: transient upstream trouble, absence, schema
// failure, injected failure, and the one fatal condition (fork depth
// overflow). Callers use errors.Is/errors.As against these sentinels.
package chainerr

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", ErrX) to attach context.
var (
	// ErrUpstreamUnavailable means every source (trusted node + peers) was
	// exhausted without a usable response.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrNotFound means the trusted node returned 404 and no peer had it.
	ErrNotFound = errors.New("not found")

	// ErrInvalid means a response failed schema validation.
	ErrInvalid = errors.New("invalid response")

	// ErrSimulated is raised by the failure simulator.
	ErrSimulated = errors.New("simulated upstream failure")

	// ErrMaximumForkDepthExceeded is fatal: the importer could not find a
	// common ancestor within MAX_FORK_DEPTH steps.
	ErrMaximumForkDepthExceeded = errors.New("maximum fork depth exceeded")

	// ErrQueueFull is returned by a bounded FIFO queue when at capacity.
	ErrQueueFull = errors.New("queue full")
)

// Transient reports whether err represents a retryable condition (network
// timeouts, 5xx, simulated failures) as opposed to NotFound/Invalid/Fatal.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalid),
		errors.Is(err, ErrMaximumForkDepthExceeded):
		return false
	default:
		return true
	}
}

// Fatal reports whether err should halt the block importer.
func Fatal(err error) bool {
	return errors.Is(err, ErrMaximumForkDepthExceeded)
}
