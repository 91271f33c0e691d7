package broker

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a gateway failure. Retry policy hangs off the kind, not
// the concrete HTTP status.
type Kind int

const (
	// KindTransient covers network faults and 5xx responses; retried with
	// jittered exponential backoff inside the client.
	KindTransient Kind = iota
	// KindRateLimited means the gateway asked us to slow down; the client
	// honors the advised delay before retrying.
	KindRateLimited
	// KindAuthExpired means the session token lapsed; refreshed once and the
	// call retried.
	KindAuthExpired
	// KindRejected is a business-rule rejection. Never retried.
	KindRejected
	// KindNotFound is terminal for the specific entity.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate-limited"
	case KindAuthExpired:
		return "auth-expired"
	case KindRejected:
		return "rejected"
	case KindNotFound:
		return "not-found"
	}
	return "unknown"
}

// Error is the typed failure every broker operation returns.
type Error struct {
	Kind       Kind
	Op         string
	Reason     string
	RetryAfter time.Duration // only for KindRateLimited
	Err        error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("broker %s: %s: %s", e.Op, e.Kind, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("broker %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("broker %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind, defaulting unknown errors to transient
// so the caller's retry path stays safe.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}

// IsRejected reports whether err is a business-rule rejection.
func IsRejected(err error) bool { return hasKind(err, KindRejected) }

// IsNotFound reports whether err is terminal-not-found.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

func hasKind(err error, k Kind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == k
}

func newErr(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}
