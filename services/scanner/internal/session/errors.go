package session

import "errors"

// Reason classifies an authentication failure.
type Reason string

const (
	ReasonInvalidCredentials  Reason = "invalid_credentials"
	ReasonAlreadyRegistered   Reason = "already_registered"
	ReasonWeakPassword        Reason = "weak_password"
	ReasonPendingConfirmation Reason = "pending_confirmation"
	ReasonGeneric             Reason = "generic"
)

// AuthError is returned by Login and Register. Message is safe to show.
type AuthError struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches any AuthError with the same reason, so callers can use the
// package sentinels with errors.Is.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Reason == e.Reason
}

var (
	ErrInvalidCredentials  = &AuthError{Reason: ReasonInvalidCredentials, Message: "invalid email or password"}
	ErrAlreadyRegistered   = &AuthError{Reason: ReasonAlreadyRegistered, Message: "user already exists with this email"}
	ErrWeakPassword        = &AuthError{Reason: ReasonWeakPassword, Message: "password does not meet the requirements"}
	ErrPendingConfirmation = &AuthError{Reason: ReasonPendingConfirmation, Message: "please check your email to confirm your account before signing in"}
	ErrAuthFailed          = &AuthError{Reason: ReasonGeneric, Message: "an unexpected error occurred, please try again"}

	ErrNotLoggedIn = errors.New("not logged in")
)

func newAuthError(reason Reason, msg string, err error) *AuthError {
	return &AuthError{Reason: reason, Message: msg, Err: err}
}

// asAuthError keeps AuthErrors as-is and wraps anything else as generic.
func asAuthError(err error) *AuthError {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return newAuthError(ReasonGeneric, ErrAuthFailed.Message, err)
}
