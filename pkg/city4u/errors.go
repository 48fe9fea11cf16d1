package city4u

import (
	"errors"
	"fmt"
)

// ErrorKind classifies API failures so callers can decide between "retry next
// interval" and "stop and ask the user to reconfigure".
type ErrorKind int

const (
	// KindAuthRejected means the login endpoint rejected the credentials
	// (401/403). User-actionable; automatic retries are pointless.
	KindAuthRejected ErrorKind = iota + 1

	// KindAuthUnavailable covers transient login failures: network errors,
	// timeouts, and non-auth HTTP statuses.
	KindAuthUnavailable

	// KindAuthProtocol means the login endpoint answered 200 but the body was
	// not the expected JSON shape. Upstream contract violation, not a
	// credential problem.
	KindAuthProtocol

	// KindSessionExpired means the data endpoint answered 401/403 with a token
	// that was valid moments ago. Equivalent to KindAuthRejected for the user,
	// but distinguishable in logs as "was valid, now isn't".
	KindSessionExpired

	// KindFetchUnavailable covers transient data-fetch failures.
	KindFetchUnavailable

	// KindFetchProtocol means the data endpoint answered 200 with a non-JSON
	// body.
	KindFetchProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthRejected:
		return "authRejected"
	case KindAuthUnavailable:
		return "authUnavailable"
	case KindAuthProtocol:
		return "authProtocol"
	case KindSessionExpired:
		return "sessionExpired"
	case KindFetchUnavailable:
		return "fetchUnavailable"
	case KindFetchProtocol:
		return "fetchProtocol"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Error is a classified API failure. Body is truncated before it is stored so
// it is always safe to log.
type Error struct {
	Kind   ErrorKind
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or 0 if err is not an API error.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

// NeedsReconfiguration reports whether err means the stored credentials no
// longer work and the user has to act. Everything else is treated as
// transient and retried on the next scheduled tick.
func NeedsReconfiguration(err error) bool {
	switch KindOf(err) {
	case KindAuthRejected, KindSessionExpired:
		return true
	}
	return false
}

// truncateBody caps a response body for diagnostics. 500 bytes is enough to
// see what the upstream sent without dumping whole HTML error pages.
func truncateBody(b []byte) string {
	const maxLen = 500
	if len(b) > maxLen {
		return string(b[:maxLen]) + "..."
	}
	return string(b)
}
