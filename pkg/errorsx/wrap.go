package errorsx

import (
	"errors"
	"fmt"
)

// ReasonedError pairs an error with a machine-readable reason code so
// recovery policy can branch on the reason instead of matching strings.
type ReasonedError struct {
	Reason ReasonCode
	Err    error
}

func (e *ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e *ReasonedError) Unwrap() error { return e.Err }

// New builds a reasoned error from a plain message.
func New(msg string, reason ReasonCode) error {
	return &ReasonedError{Reason: reason, Err: errors.New(msg)}
}

// Newf builds a reasoned error with a formatted message.
func Newf(reason ReasonCode, format string, args ...any) error {
	return &ReasonedError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a reason to err. The innermost reason wins: wrapping an
// already-reasoned error returns it unchanged.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re *ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return &ReasonedError{Reason: reason, Err: err}
}

// Reason extracts the reason code from err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var re *ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason reports whether err carries the given reason code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// IsFatal reports whether err carries a session-ending reason.
func IsFatal(err error) bool {
	return Fatal(Reason(err))
}
