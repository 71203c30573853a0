// Package errtag gives every njord component the same shape of denial and
// failure reason: a short machine-readable token plus a human message, per
// the taxonomy in the specification's error handling design.
package errtag

import "fmt"

// Reason is a machine-readable denial/failure token. Strategies and
// operators branch on Reason, never on the human message.
type Reason string

const (
	ReasonHalted           Reason = "halted"
	ReasonSymbolNotAllowed Reason = "symbol_not_allowed"
	ReasonRateCap          Reason = "rate_cap"
	ReasonPositionCap      Reason = "position_cap"
	ReasonLiveMicroCap     Reason = "live_micro_cap"
	ReasonMalformed        Reason = "malformed"
	ReasonStaleReference   Reason = "stale_reference"

	ReasonDuplicateClientID Reason = "duplicate_client_id"
	ReasonTransient         Reason = "transient"
	ReasonPermanent         Reason = "permanent"
	ReasonRateLimited       Reason = "rate_limited"

	ReasonMalformedRecord Reason = "malformed_record"
	ReasonConfigInvalid   Reason = "config_invalid"
)

// Error carries a Reason alongside the usual error chain.
type Error struct {
	Reason  Reason
	Message string
	Wrapped error
}

func New(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Wrap(reason Reason, err error, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// As extracts the Reason token from any error produced via this package,
// returning "" when err was not tagged.
func As(err error) Reason {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Reason
	}
	return ""
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
