// Package apperr defines the error taxonomy shared by every component.
//
// Every error that crosses a handler boundary is converted to a stable wire
// code (see CodeOf) so clients can map failures to UI behavior without
// parsing messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindAuthentication Kind = "authentication" // reject connection
	KindSuspended      Kind = "suspended"      // reject connection
	KindPermission     Kind = "permission"     // reject single action
	KindValidation     Kind = "validation"     // malformed payload
	KindRateLimited    Kind = "rate_limited"   // reject action, no state change
	KindCircuitOpen    Kind = "circuit_open"   // dependency presumed unhealthy
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindDependency     Kind = "dependency" // unexpected error from storage/bus/room service
	KindInternal       Kind = "internal"
)

// Wire codes. These strings are part of the client contract.
const (
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodeAccountSuspended     = "ACCOUNT_SUSPENDED"
	CodeNoPermission         = "NO_PERMISSION"
	CodeValidation           = "VALIDATION_ERROR"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeCircuitOpen          = "CIRCUIT_OPEN"
	CodeNotFound             = "NOT_FOUND"
	CodeAlreadyInChannel     = "ALREADY_IN_CHANNEL"
	CodeAlreadySharing       = "ALREADY_SHARING"
	CodeChannelFull          = "CHANNEL_FULL"
	CodeNotInChannel         = "NOT_IN_CHANNEL"
	CodeDependencyFailure    = "DEPENDENCY_FAILURE"
	CodeInternal             = "INTERNAL_ERROR"
	CodeUnknownEvent         = "UNKNOWN_EVENT"
)

// Error is the concrete error type used across the module.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind and code, or a bare Kind sentinel.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		if t.Code == "" {
			return e.Kind == t.Kind
		}
		return e.Kind == t.Kind && e.Code == t.Code
	}
	return false
}

// New builds an error of the given kind with an explicit wire code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause to a new error.
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Sentinels for errors.Is checks by kind.
var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrSuspended      = &Error{Kind: KindSuspended}
	ErrPermission     = &Error{Kind: KindPermission}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrRateLimited    = &Error{Kind: KindRateLimited}
	ErrCircuitOpen    = &Error{Kind: KindCircuitOpen}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrDependency     = &Error{Kind: KindDependency}
)

func Authentication(message string) *Error {
	return New(KindAuthentication, CodeAuthenticationFailed, message)
}

func Suspended(userID string) *Error {
	return New(KindSuspended, CodeAccountSuspended, fmt.Sprintf("account %s is suspended", userID))
}

func Permission(message string) *Error {
	return New(KindPermission, CodeNoPermission, message)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, CodeValidation, fmt.Sprintf(format, args...))
}

func RateLimited(eventType string) *Error {
	return New(KindRateLimited, CodeRateLimitExceeded, fmt.Sprintf("too many %s events, please slow down", eventType))
}

func CircuitOpen(breaker string) *Error {
	return New(KindCircuitOpen, CodeCircuitOpen, fmt.Sprintf("circuit %q is open", breaker))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, CodeNotFound, fmt.Sprintf(format, args...))
}

// Conflict uses a caller-supplied code (ALREADY_IN_CHANNEL, ALREADY_SHARING, CHANNEL_FULL...).
func Conflict(code, message string) *Error {
	return New(KindConflict, code, message)
}

func Dependency(err error, dependency string) *Error {
	return Wrap(err, KindDependency, CodeDependencyFailure, fmt.Sprintf("%s call failed", dependency))
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf maps any error to its wire code.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the client-facing message. Foreign errors are not leaked.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}
