// Package errs defines the error taxonomy shared by the indexer client, the batch loader,
// the event hub and the resolver layer.
package errs

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnavailable is returned when the indexer cannot be reached or its event feed broke.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrTimeout is returned when a deadline was exceeded while talking to the indexer.
	ErrTimeout = errors.New("timeout")
	// ErrNotFound marks a valid request without data. Resolvers surface it as null or an empty list.
	ErrNotFound = errors.New("not found")
	// ErrOverflow terminates a subscription whose consumer could not keep up.
	ErrOverflow = errors.New("subscription queue overflow")
	// ErrValidation rejects malformed filters and ranges before any upstream call.
	ErrValidation = errors.New("validation error")
	// ErrSubscriptionClosed is returned by Next once an unsubscribed subscription has been drained.
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrHubClosed is returned when subscribing to a hub that has shut down.
	ErrHubClosed = errors.New("hub closed")
)

// Wire codes, mirrored in query responses and websocket error frames.
const (
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeTimeout             = "TIMEOUT"
	CodeNotFound            = "NOT_FOUND"
	CodeOverflow            = "OVERFLOW"
	CodeValidation          = "VALIDATION_ERROR"
	CodeClosed              = "CLOSED"
	CodeInternal            = "INTERNAL_ERROR"
)

// Validation builds an ErrValidation with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Unavailable wraps cause as ErrUpstreamUnavailable, keeping the cause in the message.
func Unavailable(op string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", op, ErrUpstreamUnavailable)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUpstreamUnavailable, cause)
}

// Classify maps raw transport errors onto the taxonomy. Errors already in the taxonomy pass through.
func Classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrValidation):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return Unavailable(op, err)
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrTimeout)
}

// Code returns the wire code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamUnavailable):
		return CodeUpstreamUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrOverflow):
		return CodeOverflow
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrSubscriptionClosed), errors.Is(err, ErrHubClosed):
		return CodeClosed
	default:
		return CodeInternal
	}
}
