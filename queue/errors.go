package queue

import "errors"

// Error kinds from the engine's error handling design.
var (
	// ErrExpired marks a message that is silently discarded because it
	// arrived (or unblocked from flow control) already past its expiration.
	ErrExpired = errors.New("queue: message expired")

	// ErrResourceExhausted is raised from Send when the usage accountant
	// is full and fail-fast producer flow control is enabled.
	ErrResourceExhausted = errors.New("queue: resource exhausted")

	// ErrStoreFailure wraps a failure from the durable MessageStore.
	ErrStoreFailure = errors.New("queue: store failure")

	// ErrLoadFailure marks a failure loading a message body; the caller
	// logs and skips, the reference remains for later retry.
	ErrLoadFailure = errors.New("queue: load failure")

	// ErrInvalidSelector is raised synchronously from an admin operation
	// whose filter/selector could not be evaluated.
	ErrInvalidSelector = errors.New("queue: invalid selector")

	// ErrFatalCursorAdd marks a failure appending to the pending cursor;
	// fatal to that one cursor add, not to the process.
	ErrFatalCursorAdd = errors.New("queue: fatal cursor add failure")

	// Structural errors, not part of the error-kind taxonomy above.
	ErrQueueClosed       = errors.New("queue: closed")
	ErrSubscriptionNil   = errors.New("queue: subscription is nil")
	ErrNoSuchReference   = errors.New("queue: no such reference")
	ErrAlreadyExclusive  = errors.New("queue: another subscription already holds the exclusive lock")
	ErrDestinationUnset  = errors.New("queue: destination not set")
	ErrInvalidAckRange   = errors.New("queue: invalid ack range")
	ErrCursorExhausted   = errors.New("queue: cursor exhausted")
	ErrTaskRunnerStopped = errors.New("queue: task runner stopped")
)
