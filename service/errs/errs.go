// Package errs defines the user-facing failure taxonomy shared by the wallet
// session, record store and transaction coordinator.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the user. Every kind is recoverable.
type Kind string

const (
	ProviderMissing     Kind = "provider_missing"
	PermissionDenied    Kind = "permission_denied"
	NotConnected        Kind = "not_connected"
	SubmissionRejected  Kind = "submission_rejected"
	SubmissionInFlight  Kind = "submission_in_flight"
	TransactionReverted Kind = "transaction_reverted"
	ReadFailure         Kind = "read_failure"
	SubscriptionFailure Kind = "subscription_failure"
	Unknown             Kind = "unknown"
)

// Sentinels for the kinds that carry no underlying cause.
var (
	ErrProviderMissing    = errors.New("wallet provider not found")
	ErrNotConnected       = errors.New("no wallet account connected")
	ErrSubmissionInFlight = errors.New("a wave is already being mined")
	ErrUserRejected       = errors.New("request rejected by user")
)

// Error is a classified failure. Op names the operation that failed
// (e.g. "connect", "submit", "load_all").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of err. Unclassified errors are Unknown and a nil
// error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrProviderMissing):
		return ProviderMissing
	case errors.Is(err, ErrNotConnected):
		return NotConnected
	case errors.Is(err, ErrSubmissionInFlight):
		return SubmissionInFlight
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Detail returns the innermost message for display, passing unknown errors
// through verbatim.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
