package errors

import (
	"errors"
	"fmt"
)

// Session error taxonomy. TokenExpired is recovered internally by a refresh;
// everything else that ends a session is surfaced to callers as ErrSessionExpired.
var (
	// Refresh errors
	ErrNoRefreshToken  = errors.New("no refresh token")
	ErrRefreshRejected = errors.New("refresh rejected by server")
	ErrRefreshNetwork  = errors.New("refresh network error")

	// Token errors
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
	ErrNoToken      = errors.New("no token")

	// Session errors
	ErrIdleTimeoutExceeded = errors.New("idle timeout exceeded")
	ErrSessionMalformed    = errors.New("session malformed")
	ErrSessionExpired      = errors.New("session expired")
	ErrNoSession           = errors.New("no session")

	// Collaborator API errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// SessionExpiredError is the single user-visible outcome of a forced logout.
// Reason keeps the internal cause for diagnostics.
type SessionExpiredError struct {
	Reason error
}

func (e *SessionExpiredError) Error() string {
	if e.Reason == nil {
		return ErrSessionExpired.Error()
	}
	return fmt.Sprintf("%s: %s", ErrSessionExpired.Error(), e.Reason.Error())
}

func (e *SessionExpiredError) Unwrap() []error {
	if e.Reason == nil {
		return []error{ErrSessionExpired}
	}
	return []error{ErrSessionExpired, e.Reason}
}

// SessionExpired wraps reason so that it matches both ErrSessionExpired and reason.
func SessionExpired(reason error) error {
	return &SessionExpiredError{Reason: reason}
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New is errors.New, re-exported so callers need a single errors import.
func New(text string) error {
	return errors.New(text)
}
