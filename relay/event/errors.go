package event

import "errors"

// Error kinds surfaced by the delivery subsystem. Callers distinguish
// retry-worthy from permanent failures with errors.Is instead of string
// matching.
var (
	// ErrStoreUnavailable marks transient storage failures; the operation is
	// safe to retry on the next cycle.
	ErrStoreUnavailable = errors.New("event store unavailable")

	// ErrPublishFailed marks a failed handoff to the event bus; the record
	// stays pending and is retried.
	ErrPublishFailed = errors.New("event publish failed")

	// ErrHandlerFailed marks a business failure inside a consumer handler;
	// the bus retries up to its configured maximum, then dead-letters.
	ErrHandlerFailed = errors.New("event handler failed")

	// ErrDecodeFailed marks an envelope that cannot be deserialized;
	// redelivery cannot help, so it is dead-lettered immediately.
	ErrDecodeFailed = errors.New("event decode failed")
)
