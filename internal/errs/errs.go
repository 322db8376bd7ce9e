// Package errs defines the error-kind taxonomy shared across the bridge:
// NotFound, Auth, Transient, Permanent, Fatal. Components branch on kind
// instead of matching error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers know whether to retry, surface a
// status code, or abort startup.
type Kind int

const (
	// NotFound means a record or actor is absent; recoverable, often mapped
	// to 404 or a nil result.
	NotFound Kind = iota
	// Auth means a signature or token was invalid; mapped to 401. The
	// bridge-account path retries exactly once after a token refresh.
	Auth
	// Transient means a network/IO/5xx failure; the dispatcher retries per
	// schedule and the inbox returns 5xx.
	Transient
	// Permanent means a malformed activity, oversized blob, or disallowed
	// host; logged and dropped, no retry, 2xx response to the sender.
	Permanent
	// Fatal means a migration failure, bad config, or database corruption;
	// startup aborts.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Auth:
		return "auth"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a Kind-tagged error.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap tags an existing error with a Kind.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Transient for untagged
// errors since that is the safe-to-retry assumption.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}
