package authenticator

import (
	"errors"
	"fmt"

	"popupauth/pkg/oauth"
)

var (
	// ErrFlowInProgress is returned by Authenticate while another flow is active.
	ErrFlowInProgress = errors.New("an authentication flow is already in progress")

	// ErrSessionExpired is returned by Restore for an expired session when
	// refreshing access tokens is disabled.
	ErrSessionExpired = errors.New("session expired and token refresh is disabled")

	// ErrNoRefreshToken is returned by Restore for an expired session that
	// carries no refresh token.
	ErrNoRefreshToken = errors.New("session expired and has no refresh token")

	// ErrClosed is returned once the authenticator has been closed.
	ErrClosed = errors.New("authenticator closed")

	// ErrNoAccessToken is returned by Restore for a record without access token.
	ErrNoAccessToken = oauth.ErrNoAccessToken
)

// MalformedRelayError is returned when the relayed authorization response
// cannot be parsed.
type MalformedRelayError struct {
	Key string
	Err error
}

func (e *MalformedRelayError) Error() string {
	return fmt.Sprintf("malformed authorization response under %q: %v", e.Key, e.Err)
}

func (e *MalformedRelayError) Unwrap() error {
	return e.Err
}

// StateMismatchError is returned when the relayed state does not belong to
// the running flow.
type StateMismatchError struct {
	Expected string
	Got      string
}

func (e *StateMismatchError) Error() string {
	return "authorization response state does not match the login request"
}

// AuthorizationDeniedError is returned when the provider redirected back with
// an error instead of a code.
type AuthorizationDeniedError struct {
	Code        string
	Description string
}

func (e *AuthorizationDeniedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization denied: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization denied: %s", e.Code)
}
