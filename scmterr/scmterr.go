// Package scmterr defines the typed error kinds shared across the
// certificate lifecycle engine (storage, ca, manager, apiserver).
//
// Absence is always a single NotFound kind; no operation reports a
// missing key or certificate any other way. Callers use errors.Is
// against the sentinel values below, or errors.As against *Error for
// the Kind/message pair.
package scmterr

import "errors"

// Kind classifies a failure.
type Kind int

const (
	// KindNotFound: storage read of an absent key, or a hostname with
	// no certificate.
	KindNotFound Kind = iota
	// KindRuntime: crypto-tool failure, ACME non-success HTTP code
	// (except 429), or an issuance precondition violated.
	KindRuntime
	// KindRateLimited: ACME 429; triggers the 12h CA cooldown.
	KindRateLimited
	// KindTimeout: ACME challenge poll, DNS propagation, or network I/O.
	KindTimeout
	// KindBadRequest: API-level JSON/schema violation.
	KindBadRequest
	// KindNoCA: hostname does not belong to any configured domain.
	KindNoCA
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindRuntime:
		return "runtime_error"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindBadRequest:
		return "bad_request"
	case KindNoCA:
		return "no_ca"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Kind and a message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, scmterr.NotFound) style checks by comparing
// Kind, since sentinels below are themselves *Error values with no cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values for errors.Is comparisons.
var (
	NotFound    = &Error{Kind: KindNotFound, Msg: "not found"}
	RateLimited = &Error{Kind: KindRateLimited, Msg: "rate limited"}
	NoCA        = &Error{Kind: KindNoCA, Msg: "no matching CA for hostname"}
)

// New builds a wrapped error of the given kind.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// NotFoundf builds a NotFound error with a formatted message but the
// NotFound kind, so errors.Is(err, scmterr.NotFound) still matches.
func NotFoundf(msg string) *Error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

// Runtimef builds a RuntimeError-kind error.
func Runtimef(msg string, cause error) *Error {
	return &Error{Kind: KindRuntime, Msg: msg, Err: cause}
}

// Timeoutf builds a Timeout-kind error.
func Timeoutf(msg string, cause error) *Error {
	return &Error{Kind: KindTimeout, Msg: msg, Err: cause}
}

// BadRequestf builds a BadRequest-kind error carrying the API slug as Msg.
func BadRequestf(slug string) *Error {
	return &Error{Kind: KindBadRequest, Msg: slug}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
