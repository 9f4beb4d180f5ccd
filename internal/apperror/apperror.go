// Package apperror defines the error kinds shared by every layer.
//
// Services return these; the HTTP layer maps the sentinel inside them to a
// status code. The Message is what the caller is allowed to see. Err keeps
// the chain intact so errors.Is and errors.As keep working, and the cause
// (when there is one) stays available for logging.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("Validation Error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
)

type AppError struct {
	Err     error  // sentinel kind
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Cause   error  // Optional: underlying failure, never shown to clients
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so errors.Is matches
// either one.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// EmailTaken is returned when registering an email that already has an
// account.
func EmailTaken() *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: "email already exists",
		Field:   "email",
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// InvalidCredentials is returned for an unknown email and for a wrong
// password alike. The message is the same in both cases so the response
// cannot be used to probe which emails are registered.
func InvalidCredentials() *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: "invalid email or password",
	}
}

// InvalidRefreshToken covers expired, rotated-away and forged refresh tokens.
func InvalidRefreshToken() *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: "invalid refresh token",
	}
}

// Unauthorized is the generic 401 used by the auth middleware.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// EmailAlreadyVerified is returned every time a verification email is
// requested for an account that is already verified.
func EmailAlreadyVerified() *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: "email already verified",
		Field:   "email",
	}
}

// AuthOperationFailed wraps an unexpected store or signing failure that
// happened while linking an OAuth identity.
func AuthOperationFailed(cause error) *AppError {
	return &AppError{
		Err:     ErrInternal,
		Message: "authentication failed",
		Cause:   cause,
	}
}

// Internal wraps any other unexpected failure.
func Internal(cause error) *AppError {
	return &AppError{
		Err:     ErrInternal,
		Message: "An internal error occurred",
		Cause:   cause,
	}
}
