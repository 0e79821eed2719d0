// Package apperr classifies failures so that callers can decide whether to
// retry, surface, or skip them.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure class.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInput is malformed or missing request data. Never retried.
	KindInput
	// KindAuthentication is a signature mismatch or a stale assertion.
	KindAuthentication
	// KindConfiguration is a fatal server misconfiguration.
	KindConfiguration
	// KindDependency is an unavailable store, notifier or identity provider.
	KindDependency
	// KindInvariant is a logic invariant violation; the caller skips silently.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "InputError"
	case KindAuthentication:
		return "AuthenticationError"
	case KindConfiguration:
		return "ConfigurationError"
	case KindDependency:
		return "DependencyError"
	case KindInvariant:
		return "LogicInvariantViolation"
	default:
		return "UnknownError"
	}
}

// Code names a specific failure within a kind.
type Code string

const (
	CodeMissingInput       Code = "MissingInput"
	CodeMissingSecret      Code = "MissingSecret"
	CodeInvalidSignature   Code = "InvalidSignature"
	CodeExpiredAssertion   Code = "ExpiredAssertion"
	CodeUnknownSubject     Code = "UnknownSubject"
	CodeMalformedAssertion Code = "MalformedAssertion"
	CodeIssuanceFailure    Code = "CredentialIssuanceFailure"
	CodeRateLimited        Code = "RateLimited"
	CodeUnknownEvent       Code = "UnknownEvent"
	CodeMalformedEvent     Code = "MalformedEvent"
	CodeRoleMismatch       Code = "RoleMismatch"
)

// Error carries a kind and code alongside the wrapped cause.
type Error struct {
	Kind Kind
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, or by kind when the target has no code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return t.Kind != KindUnknown && e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrMissingInput       = &Error{Kind: KindInput, Code: CodeMissingInput}
	ErrMissingSecret      = &Error{Kind: KindConfiguration, Code: CodeMissingSecret}
	ErrInvalidSignature   = &Error{Kind: KindAuthentication, Code: CodeInvalidSignature}
	ErrExpiredAssertion   = &Error{Kind: KindAuthentication, Code: CodeExpiredAssertion}
	ErrUnknownSubject     = &Error{Kind: KindAuthentication, Code: CodeUnknownSubject}
	ErrMalformedAssertion = &Error{Kind: KindInput, Code: CodeMalformedAssertion}
	ErrIssuanceFailure    = &Error{Kind: KindDependency, Code: CodeIssuanceFailure}
	ErrRateLimited        = &Error{Kind: KindInput, Code: CodeRateLimited}
	ErrInvariant          = &Error{Kind: KindInvariant}
	ErrDependency         = &Error{Kind: KindDependency}
)

// New builds an *Error with a formatted cause.
func New(kind Kind, code Code, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind and code to err. A nil err yields nil.
func Wrap(kind Kind, code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Op: op, Err: err}
}

// Dependency marks err as a collaborator failure.
func Dependency(op string, err error) error {
	return Wrap(KindDependency, "", op, err)
}

// Invariant reports a logic invariant violation.
func Invariant(code Code, op string, format string, args ...any) error {
	return New(KindInvariant, code, op, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsInvariant reports whether err is a logic invariant violation.
func IsInvariant(err error) bool {
	return KindOf(err) == KindInvariant
}

// HTTPStatus maps err to the HTTP-equivalent status.
func HTTPStatus(err error) int {
	if CodeOf(err) == CodeRateLimited {
		return http.StatusTooManyRequests
	}
	switch KindOf(err) {
	case KindInput:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindInvariant:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
